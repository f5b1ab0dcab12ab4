// Package snapshot produces still images for cameras: a single frame grabbed
// from the live stream while streaming, otherwise the picture the device
// last published.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/pkg/errors"
)

// CommandFunc builds the grab process; exec.CommandContext by default
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// FFmpegGrabber extracts one MJPEG frame from a stream address
type FFmpegGrabber struct {
	binary string
	newCmd CommandFunc
}

// NewFFmpegGrabber creates a grabber running binary
func NewFFmpegGrabber(binary string) *FFmpegGrabber {
	return &FFmpegGrabber{
		binary: binary,
		newCmd: exec.CommandContext,
	}
}

// GrabArgs returns the ffmpeg arguments for a single frame grab.
// The size is applied only when both dimensions are set.
func GrabArgs(address string, width, height int) []string {
	args := []string{"-i", address, "-an", "-frames:v", "1", "-c:v", "mjpeg"}
	if width > 0 && height > 0 {
		args = append(args, "-s", fmt.Sprintf("%dx%d", width, height))
	}
	return append(args, "-f", "image2pipe", "-")
}

// Grab runs ffmpeg against address and returns the encoded JPEG
func (g *FFmpegGrabber) Grab(ctx context.Context, address string, width, height int) ([]byte, error) {
	cmd := g.newCmd(ctx, g.binary, GrabArgs(address, width, height)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "grab frame: %s", lastLine(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

func lastLine(b []byte) string {
	b = bytes.TrimSpace(b)
	if i := bytes.LastIndexByte(b, '\n'); i >= 0 {
		b = b[i+1:]
	}
	return string(b)
}
