package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execAcoustic runs an external forward-pass command. The command reads a
// JSON request on stdin and writes a JSON response on stdout.
type execAcoustic struct {
	cmd      []string
	modelDir string
	mu       sync.Mutex
}

type execRequest struct {
	InputValues  []float64 `json:"input_values"`
	SamplingRate int       `json:"sampling_rate"`
}

type execResponse struct {
	Logits [][]float64 `json:"logits"`
	Error  string      `json:"error,omitempty"`
}

func NewExecAcoustic(command, modelDir string) (Acoustic, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse acoustic command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("acoustic command is empty")
	}
	return &execAcoustic{cmd: args, modelDir: modelDir}, nil
}

func (a *execAcoustic) Forward(ctx context.Context, input []float64, sampleRate int) ([][]float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	payload, err := json.Marshal(execRequest{InputValues: input, SamplingRate: sampleRate})
	if err != nil {
		return nil, fmt.Errorf("encode acoustic request: %w", err)
	}

	args := append([]string{}, a.cmd[1:]...)
	if a.modelDir != "" {
		args = append(args, "--model", a.modelDir)
	}
	command := exec.CommandContext(ctx, a.cmd[0], args...)
	command.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("acoustic command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode acoustic response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("acoustic command error: %s", resp.Error)
	}
	return resp.Logits, nil
}

func (a *execAcoustic) Close(context.Context) error {
	return nil
}
