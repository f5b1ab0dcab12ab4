package feeder

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eufybridge/internal/framequeue"
	"eufybridge/internal/metrics"
	"eufybridge/pkg/models"
)

type countingSource struct {
	*framequeue.Queue
	emptyCalls int32
}

func (s *countingSource) Empty() bool {
	atomic.AddInt32(&s.emptyCalls, 1)
	return s.Queue.Empty()
}

type recordingSink struct {
	mu      sync.Mutex
	running bool
	written []string
	fail    bool
}

func (s *recordingSink) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *recordingSink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("broken pipe")
	}
	s.written = append(s.written, string(p))
	return nil
}

func (s *recordingSink) Written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.written...)
}

func testLog() *logrus.Entry {
	return logrus.WithField("component", "feeder-test")
}

func fastConfig(limit int) Config {
	return Config{Interval: time.Millisecond, IdleLimit: limit}
}

func TestStallsAfterExactlyIdleLimitIterations(t *testing.T) {
	src := &countingSource{Queue: framequeue.New()}
	sink := &recordingSink{running: true}
	m := metrics.New(prometheus.NewRegistry())

	stalls := 0
	f := New("T1", src, sink, fastConfig(10), func(context.Context) { stalls++ }, m, testLog())

	assert.True(t, f.Run(context.Background()))
	assert.Equal(t, int32(10), atomic.LoadInt32(&src.emptyCalls))
	assert.Equal(t, 1, stalls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Stalls.WithLabelValues("T1")))
}

func TestWritesFragmentsInOrder(t *testing.T) {
	q := framequeue.New()
	for i := 0; i < 11; i++ {
		q.Push(&models.Frame{Serial: "T1", Payload: []byte(fmt.Sprintf("f%02d", i))})
	}
	sink := &recordingSink{running: true}
	m := metrics.New(prometheus.NewRegistry())

	f := New("T1", q, sink, fastConfig(3), nil, m, testLog())
	require.True(t, f.Run(context.Background()))

	written := sink.Written()
	require.Len(t, written, 11)
	for i, w := range written {
		assert.Equal(t, fmt.Sprintf("f%02d", i), w)
	}
	assert.True(t, q.Empty())
	assert.Equal(t, 11.0, testutil.ToFloat64(m.FragmentsWritten.WithLabelValues("T1")))
}

func TestStoppedSinkCountsAsIdle(t *testing.T) {
	q := framequeue.New()
	q.Push(&models.Frame{Payload: []byte("kept")})
	sink := &recordingSink{running: false}

	f := New("T1", q, sink, fastConfig(4), nil, metrics.New(prometheus.NewRegistry()), testLog())
	assert.True(t, f.Run(context.Background()))

	assert.Empty(t, sink.Written())
	assert.Equal(t, 1, q.Len())
}

func TestFailedWritesAreDropped(t *testing.T) {
	q := framequeue.New()
	q.Push(&models.Frame{Payload: []byte("a")})
	q.Push(&models.Frame{Payload: []byte("b")})
	sink := &recordingSink{running: true, fail: true}
	m := metrics.New(prometheus.NewRegistry())

	f := New("T1", q, sink, fastConfig(2), nil, m, testLog())
	assert.True(t, f.Run(context.Background()))

	assert.True(t, q.Empty())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FragmentsDropped.WithLabelValues("T1", "write_failed")))
}

func TestCancelSkipsStall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	f := New("T1", framequeue.New(), &recordingSink{running: true}, Config{Interval: time.Hour, IdleLimit: 10},
		func(context.Context) { called = true }, metrics.New(prometheus.NewRegistry()), testLog())

	assert.False(t, f.Run(ctx))
	assert.False(t, called)
}

func TestIdleResetsAfterData(t *testing.T) {
	q := framequeue.New()
	sink := &recordingSink{running: true}
	m := metrics.New(prometheus.NewRegistry())

	done := make(chan bool, 1)
	f := New("T1", q, sink, Config{Interval: 5 * time.Millisecond, IdleLimit: 40}, nil, m, testLog())
	go func() { done <- f.Run(context.Background()) }()

	// Each push lands well inside the idle window
	for i := 0; i < 5; i++ {
		time.Sleep(15 * time.Millisecond)
		q.Push(&models.Frame{Payload: []byte{byte(i)}})
	}

	select {
	case stalled := <-done:
		assert.True(t, stalled)
	case <-time.After(5 * time.Second):
		t.Fatal("feeder did not stall")
	}
	assert.Len(t, sink.Written(), 5)
}
