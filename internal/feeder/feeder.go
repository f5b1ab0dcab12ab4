// Package feeder drains a camera's frame queue into the running transcoder.
package feeder

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"eufybridge/internal/metrics"
	"eufybridge/pkg/models"
)

// Default pacing for a P2P session
const (
	DefaultInterval  = 250 * time.Millisecond
	DefaultIdleLimit = 10
)

// Source is the queue side of a session
type Source interface {
	Pop() (*models.Frame, bool)
	Empty() bool
	Len() int
}

// Sink is the transcoder side of a session
type Sink interface {
	IsRunning() bool
	Write(p []byte) error
}

// Config controls feeder pacing
type Config struct {
	Interval  time.Duration
	IdleLimit int
}

// Feeder moves fragments from a Source to a Sink until the stream stalls
type Feeder struct {
	serial  string
	source  Source
	sink    Sink
	config  Config
	onStall func(ctx context.Context)
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// New creates a feeder for one P2P session. onStall runs once when the
// idle limit is reached.
func New(serial string, source Source, sink Sink, config Config, onStall func(ctx context.Context), m *metrics.Metrics, log *logrus.Entry) *Feeder {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.IdleLimit <= 0 {
		config.IdleLimit = DefaultIdleLimit
	}
	return &Feeder{
		serial:  serial,
		source:  source,
		sink:    sink,
		config:  config,
		onStall: onStall,
		metrics: m,
		log:     log,
	}
}

// Run feeds until IdleLimit consecutive idle iterations or until ctx ends.
// It reports whether the session stalled; a cancelled session never calls
// onStall.
func (f *Feeder) Run(ctx context.Context) bool {
	f.log.Debug("video_feeder - start")

	ticker := time.NewTicker(f.config.Interval)
	defer ticker.Stop()

	idle := 0
	for idle < f.config.IdleLimit {
		if f.source.Empty() || !f.sink.IsRunning() {
			idle++
			f.log.Debugf("video_feeder - idle %d/%d", idle, f.config.IdleLimit)
		} else {
			f.drain()
			idle = 0
		}
		f.metrics.SetQueueDepth(f.serial, f.source.Len())

		select {
		case <-ctx.Done():
			f.log.Debug("video_feeder - cancelled")
			return false
		case <-ticker.C:
		}
	}

	if ctx.Err() != nil {
		return false
	}

	f.log.Debug("video_feeder - stalled")
	f.metrics.RecordStall(f.serial)
	if f.onStall != nil {
		f.onStall(ctx)
	}
	return true
}

// drain writes every queued fragment while the sink stays up
func (f *Feeder) drain() {
	for !f.source.Empty() && f.sink.IsRunning() {
		frame, ok := f.source.Pop()
		if !ok {
			return
		}
		if err := f.sink.Write(frame.Payload); err != nil {
			f.metrics.RecordFragmentDropped(f.serial, "write_failed", 1)
			continue
		}
		f.metrics.RecordFragmentWritten(f.serial)
	}
}
