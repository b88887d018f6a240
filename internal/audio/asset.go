package audio

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"
	"github.com/go-audio/wav"
)

// Format tags a container format.
type Format string

const (
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatFLAC    Format = "flac"
	FormatOGG     Format = "ogg"
	FormatM4A     Format = "m4a"
	FormatUnknown Format = "unknown"
)

// Asset identifies an audio file and what is known about it. Normalization
// produces a new Asset; an Asset's file is never edited in place.
type Asset struct {
	Path       string  `json:"path"`
	Format     Format  `json:"format"`
	SampleRate int     `json:"sample_rate,omitempty"`
	Channels   int     `json:"channels,omitempty"`
	Duration   float64 `json:"duration_seconds,omitempty"`
}

// Canonical reports whether the asset is already a mono WAV at rate.
func (a Asset) Canonical(rate int) bool {
	return a.Format == FormatWAV && a.Channels == 1 && a.SampleRate == rate
}

// Probe sniffs the container of the file at path. Header fields are
// informational only; durations are always measured from decoded samples.
func Probe(path string) (Asset, error) {
	f, err := os.Open(path)
	if err != nil {
		return Asset{}, err
	}
	defer f.Close()

	asset := Asset{Path: path, Format: FormatUnknown}

	header := make([]byte, 12)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return asset, fmt.Errorf("read header: %w", err)
	}
	if n == 12 && bytes.Equal(header[0:4], []byte("RIFF")) && bytes.Equal(header[8:12], []byte("WAVE")) {
		asset.Format = FormatWAV
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return asset, err
		}
		dec := wav.NewDecoder(f)
		dec.ReadInfo()
		if dec.Err() == nil {
			asset.SampleRate = int(dec.SampleRate)
			asset.Channels = int(dec.NumChans)
		}
		return asset, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return asset, err
	}
	if _, fileType, err := tag.Identify(f); err == nil {
		asset.Format = formatFromTag(fileType)
	}
	if asset.Format == FormatUnknown {
		asset.Format = formatFromExtension(path)
	}
	return asset, nil
}

func formatFromTag(ft tag.FileType) Format {
	switch ft {
	case tag.MP3:
		return FormatMP3
	case tag.FLAC:
		return FormatFLAC
	case tag.OGG:
		return FormatOGG
	case tag.M4A, tag.M4B, tag.M4P, tag.ALAC:
		return FormatM4A
	}
	return FormatUnknown
}

func formatFromExtension(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		return FormatWAV
	case ".mp3":
		return FormatMP3
	case ".flac":
		return FormatFLAC
	case ".ogg", ".oga", ".opus":
		return FormatOGG
	case ".m4a", ".mp4", ".aac":
		return FormatM4A
	}
	return FormatUnknown
}
