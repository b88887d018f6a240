package audio

import (
	"errors"
	"fmt"
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

var errNotPCM = errors.New("wav payload is not integer PCM")

// PCM holds decoded, interleaved integer samples.
type PCM struct {
	Samples    []int
	SampleRate int
	Channels   int
	BitDepth   int
}

// Frames is the number of sample frames (samples per channel).
func (p *PCM) Frames() int {
	if p.Channels <= 0 {
		return 0
	}
	return len(p.Samples) / p.Channels
}

// Duration in seconds, computed from the decoded frame count.
func (p *PCM) Duration() float64 {
	if p.SampleRate <= 0 {
		return 0
	}
	return float64(p.Frames()) / float64(p.SampleRate)
}

// Decode reads a WAV file and returns every sample in its data chunk. An
// unset data chunk size means the samples run to the end of the file.
func Decode(path string) (*PCM, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if err := dec.FwdToPCM(); err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	if err := dec.Err(); err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	if dec.WavAudioFormat != wavFormatPCM && dec.WavAudioFormat != wavFormatExtensible {
		return nil, &DecodeError{Path: path, Err: errNotPCM}
	}
	if dec.PCMChunk != nil && dec.PCMSize == 0 {
		// Writers streaming to a pipe leave the data size at 0 or
		// 0xFFFFFFFF (which wraps to 0 once padded); read samples to EOF.
		dec.PCMChunk.R = f
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	if buf == nil || buf.Format == nil {
		return nil, &DecodeError{Path: path, Err: errors.New("no PCM data chunk")}
	}
	if buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return nil, &DecodeError{Path: path, Err: fmt.Errorf("invalid format: %d channels at %d Hz", buf.Format.NumChannels, buf.Format.SampleRate)}
	}
	pcm := &PCM{
		Samples:    buf.Data,
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
		BitDepth:   int(dec.BitDepth),
	}
	if pcm.Frames() == 0 {
		return nil, &DecodeError{Path: path, Err: errors.New("zero-length audio stream")}
	}
	return pcm, nil
}

// To16Bit rescales samples to signed 16-bit range.
func (p *PCM) To16Bit() *PCM {
	if p.BitDepth == 16 {
		return p
	}
	out := &PCM{Samples: make([]int, len(p.Samples)), SampleRate: p.SampleRate, Channels: p.Channels, BitDepth: 16}
	for i, s := range p.Samples {
		switch {
		case p.BitDepth == 8:
			// 8-bit WAV is unsigned
			out.Samples[i] = (s - 128) << 8
		case p.BitDepth > 16:
			out.Samples[i] = s >> (p.BitDepth - 16)
		default:
			out.Samples[i] = s << (16 - p.BitDepth)
		}
	}
	return out
}

// Mono averages channels frame by frame.
func (p *PCM) Mono() *PCM {
	if p.Channels == 1 {
		return p
	}
	frames := p.Frames()
	out := &PCM{Samples: make([]int, frames), SampleRate: p.SampleRate, Channels: 1, BitDepth: p.BitDepth}
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < p.Channels; c++ {
			sum += p.Samples[i*p.Channels+c]
		}
		out.Samples[i] = sum / p.Channels
	}
	return out
}

// Resample converts a mono buffer to rate by linear interpolation. The
// position arithmetic is integer based so output is reproducible.
func (p *PCM) Resample(rate int) *PCM {
	if p.SampleRate == rate || rate <= 0 {
		return p
	}
	src := p.Samples
	if p.Channels != 1 {
		src = p.Mono().Samples
	}
	outLen := int(int64(len(src)) * int64(rate) / int64(p.SampleRate))
	out := &PCM{Samples: make([]int, outLen), SampleRate: rate, Channels: 1, BitDepth: p.BitDepth}
	lo, hi := sampleBounds(p.BitDepth)
	for i := 0; i < outLen; i++ {
		num := int64(i) * int64(p.SampleRate)
		idx := int(num / int64(rate))
		rem := num % int64(rate)
		a := src[idx]
		b := a
		if idx+1 < len(src) {
			b = src[idx+1]
		}
		frac := float64(rem) / float64(rate)
		v := int(math.Round(float64(a) + (float64(b)-float64(a))*frac))
		if v < lo {
			v = lo
		} else if v > hi {
			v = hi
		}
		out.Samples[i] = v
	}
	return out
}

// Float32 returns samples scaled to [-1, 1).
func (p *PCM) Float32() []float32 {
	scale := float32(int(1) << (p.BitDepth - 1))
	out := make([]float32, len(p.Samples))
	for i, s := range p.Samples {
		out[i] = float32(s) / scale
	}
	return out
}

func sampleBounds(bitDepth int) (int, int) {
	if bitDepth <= 0 {
		bitDepth = 16
	}
	hi := 1<<(bitDepth-1) - 1
	return -hi - 1, hi
}

// WriteWAV encodes p as a PCM WAV file at path.
func WriteWAV(path string, p *PCM) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer f.Close()

	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: p.Channels, SampleRate: p.SampleRate},
		Data:           p.Samples,
		SourceBitDepth: p.BitDepth,
	}
	enc := wav.NewEncoder(f, p.SampleRate, p.BitDepth, p.Channels, wavFormatPCM)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
