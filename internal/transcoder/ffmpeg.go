// Package transcoder owns the long-lived ffmpeg process that turns raw P2P
// fragments, fed over stdin, into an HLS playlist or an RTSP push.
package transcoder

import (
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// ErrLaunch is returned when the ffmpeg process cannot be spawned
	ErrLaunch = errors.New("transcoder launch failed")

	// ErrNotRunning is returned by Write when no process is alive
	ErrNotRunning = errors.New("transcoder is not running")
)

// How long Stop waits for a killed process to be reaped
const killWait = 5 * time.Second

// Keep this much of ffmpeg's stdout/stderr for diagnostics
const diagnosticsSize = 16 * 1024

// CommandFunc builds the process for a given binary and arguments
type CommandFunc func(name string, args ...string) *exec.Cmd

// Option customizes an FFmpeg controller
type Option func(*FFmpeg)

// WithCommandFunc replaces exec.Command, mainly for tests
func WithCommandFunc(fn CommandFunc) Option {
	return func(f *FFmpeg) {
		f.newCmd = fn
	}
}

// FFmpeg controls at most one transcoder process at a time
type FFmpeg struct {
	binary string
	newCmd CommandFunc
	log    *logrus.Entry

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *tailBuffer
	stderr *tailBuffer
	exited chan struct{}
	params Params
}

// New creates a controller that launches binary
func New(binary string, log *logrus.Entry, opts ...Option) *FFmpeg {
	f := &FFmpeg{
		binary: binary,
		newCmd: exec.Command,
		log:    log,
		stdout: newTailBuffer(diagnosticsSize),
		stderr: newTailBuffer(diagnosticsSize),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start launches ffmpeg for the given session parameters. It returns as soon
// as the process exists; it does not wait for the first fragment.
func (f *FFmpeg) Start(ctx context.Context, p Params) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running() {
		return errors.New("transcoder already running")
	}

	args := BuildArgs(p)
	f.log.Debugf("start ffmpeg - codec %s - %s %s", p.Codec, f.binary, strings.Join(args, " "))

	cmd := f.newCmd(f.binary, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrapf(ErrLaunch, "stdin pipe: %v", err)
	}

	stdout := newTailBuffer(diagnosticsSize)
	stderr := newTailBuffer(diagnosticsSize)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return errors.Wrapf(ErrLaunch, "start %s: %v", f.binary, err)
	}

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		if err != nil {
			f.log.WithError(err).Debug("ffmpeg exited")
		} else {
			f.log.Debug("ffmpeg exited cleanly")
		}
		close(exited)
	}()

	f.cmd = cmd
	f.stdin = stdin
	f.stdout = stdout
	f.stderr = stderr
	f.exited = exited
	f.params = p

	return nil
}

// Stop kills the process if it is running. Failures are logged, never returned.
// The controller reads as stopped as soon as the kill was sent; the wait for
// the process to be reaped happens without holding the lock.
func (f *FFmpeg) Stop() {
	f.mu.Lock()
	if !f.running() {
		f.mu.Unlock()
		f.log.Debug("stop ffmpeg - not running")
		return
	}

	f.log.Debug("stop ffmpeg - kill")
	if err := f.cmd.Process.Kill(); err != nil {
		f.log.WithError(err).Debug("stop ffmpeg - kill failed")
	}
	exited, stdin := f.exited, f.stdin
	f.exited, f.stdin = nil, nil
	f.mu.Unlock()

	select {
	case <-exited:
	case <-time.After(killWait):
		f.log.Warn("stop ffmpeg - process not reaped in time")
	}

	stdin.Close()
	f.log.Debug("stop ffmpeg - done")
}

// IsRunning reports whether a started process has not exited yet
func (f *FFmpeg) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running()
}

// Write feeds one fragment to ffmpeg's stdin. A failed write is logged
// together with ffmpeg's recent stderr and the fragment is dropped.
func (f *FFmpeg) Write(p []byte) error {
	f.mu.Lock()
	if !f.running() {
		f.mu.Unlock()
		f.log.Error("video ffmpeg error - ffmpeg is not running")
		return ErrNotRunning
	}
	stdin, stderr := f.stdin, f.stderr
	f.mu.Unlock()

	// The lock is not held while writing; a slow ffmpeg must not block Stop
	if _, err := stdin.Write(p); err != nil {
		f.log.WithError(err).Error("video ffmpeg write failed")
		if tail := stderr.String(); tail != "" {
			f.log.Debugf("video ffmpeg error - %s", tail)
		}
		return errors.Wrap(err, "write fragment")
	}
	return nil
}

// Params returns the parameters of the current or last session
func (f *FFmpeg) Params() Params {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params
}

// Diagnostics returns the captured tails of stdout and stderr
func (f *FFmpeg) Diagnostics() (stdout, stderr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stdout.String(), f.stderr.String()
}

func (f *FFmpeg) running() bool {
	if f.exited == nil {
		return false
	}
	select {
	case <-f.exited:
		return false
	default:
		return true
	}
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
