package local

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Exports a WebAssembly acoustic model must provide:
//
//	memory
//	alloc(size i32) i32                 reserve size bytes, return offset
//	infer(ptr i32, samples i32) i32     run on float32 samples at ptr, return frames or <0
//	logits_ptr() i32                    offset of frames*vocab_size float32 logits
//	vocab_size() i32
//
// The module may import env.host_log(ptr, len) to write log lines.
const (
	exportAlloc     = "alloc"
	exportInfer     = "infer"
	exportLogitsPtr = "logits_ptr"
	exportVocabSize = "vocab_size"
)

type wasmAcoustic struct {
	rt        wazero.Runtime
	compiled  wazero.CompiledModule
	module    api.Module
	alloc     api.Function
	infer     api.Function
	logitsPtr api.Function
	vocabSize int
	mu        sync.Mutex
}

// NewWasmAcoustic compiles and instantiates the module at path once.
func NewWasmAcoustic(ctx context.Context, path string, logger *slog.Logger) (Acoustic, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}

	rt := wazero.NewRuntime(ctx)
	if err := instantiateHostModule(ctx, rt, logger); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compile module: %w", err)
	}
	module, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("acoustic"))
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate module: %w", err)
	}

	a := &wasmAcoustic{rt: rt, compiled: compiled, module: module}
	if module.Memory() == nil {
		a.Close(ctx)
		return nil, fmt.Errorf("module does not export memory")
	}
	for name, target := range map[string]*api.Function{
		exportAlloc:     &a.alloc,
		exportInfer:     &a.infer,
		exportLogitsPtr: &a.logitsPtr,
	} {
		fn := module.ExportedFunction(name)
		if fn == nil {
			a.Close(ctx)
			return nil, fmt.Errorf("export %q not found", name)
		}
		*target = fn
	}
	vocabFn := module.ExportedFunction(exportVocabSize)
	if vocabFn == nil {
		a.Close(ctx)
		return nil, fmt.Errorf("export %q not found", exportVocabSize)
	}
	res, err := vocabFn.Call(ctx)
	if err != nil || len(res) == 0 {
		a.Close(ctx)
		return nil, fmt.Errorf("call %s: %v", exportVocabSize, err)
	}
	a.vocabSize = int(api.DecodeI32(res[0]))
	if a.vocabSize <= 0 {
		a.Close(ctx)
		return nil, fmt.Errorf("module reports vocab size %d", a.vocabSize)
	}
	return a, nil
}

func (a *wasmAcoustic) Forward(ctx context.Context, input []float64, _ int) ([][]float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	mem := a.module.Memory()
	buf := make([]byte, len(input)*4)
	for i, v := range input {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	}

	res, err := a.alloc.Call(ctx, api.EncodeI32(int32(len(buf))))
	if err != nil {
		return nil, fmt.Errorf("alloc: %w", err)
	}
	ptr := api.DecodeU32(res[0])
	if !mem.Write(ptr, buf) {
		return nil, fmt.Errorf("write input: out of range (ptr=%d len=%d)", ptr, len(buf))
	}

	res, err = a.infer.Call(ctx, api.EncodeU32(ptr), api.EncodeI32(int32(len(input))))
	if err != nil {
		return nil, fmt.Errorf("infer: %w", err)
	}
	frames := api.DecodeI32(res[0])
	if frames < 0 {
		return nil, fmt.Errorf("infer returned code %d", frames)
	}

	res, err = a.logitsPtr.Call(ctx)
	if err != nil {
		return nil, fmt.Errorf("logits_ptr: %w", err)
	}
	out := api.DecodeU32(res[0])
	size := uint32(frames) * uint32(a.vocabSize) * 4
	raw, ok := mem.Read(out, size)
	if !ok {
		return nil, fmt.Errorf("read logits: out of range (ptr=%d len=%d)", out, size)
	}

	logits := make([][]float64, frames)
	for f := range logits {
		row := make([]float64, a.vocabSize)
		for v := range row {
			off := (f*a.vocabSize + v) * 4
			row[v] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[off:])))
		}
		logits[f] = row
	}
	return logits, nil
}

func (a *wasmAcoustic) Close(ctx context.Context) error {
	if a == nil || a.rt == nil {
		return nil
	}
	return a.rt.Close(ctx)
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime, logger *slog.Logger) error {
	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		mem := mod.Memory()
		if mem == nil {
			return
		}
		data, ok := mem.Read(ptr, length)
		if !ok {
			logger.Warn("acoustic log out of range", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		logger.Debug("acoustic module log", slog.String("message", string(data)))
	})
	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log").
		Instantiate(ctx)
	return err
}
