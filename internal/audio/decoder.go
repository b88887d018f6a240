package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

const (
	placeholderInput  = "{input}"
	placeholderOutput = "{output}"
)

// externalDecoder transcodes non-WAV containers to an intermediate WAV file
// by running a configured command such as ffmpeg.
type externalDecoder struct {
	args []string
}

func newExternalDecoder(template string) (*externalDecoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(template)
	if err != nil {
		return nil, fmt.Errorf("parse decoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("decoder command is empty")
	}
	var hasIn, hasOut bool
	for _, a := range args {
		hasIn = hasIn || strings.Contains(a, placeholderInput)
		hasOut = hasOut || strings.Contains(a, placeholderOutput)
	}
	if !hasIn || !hasOut {
		return nil, fmt.Errorf("decoder command must reference %s and %s", placeholderInput, placeholderOutput)
	}
	return &externalDecoder{args: args}, nil
}

// Placeholders are substituted after tokenizing so paths with spaces stay intact.
func (d *externalDecoder) command(input, output string) []string {
	replacer := strings.NewReplacer(placeholderInput, input, placeholderOutput, output)
	out := make([]string, len(d.args))
	for i, a := range d.args {
		out[i] = replacer.Replace(a)
	}
	return out
}

func (d *externalDecoder) transcode(ctx context.Context, input, output string) error {
	args := d.command(input, output)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("decoder command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
