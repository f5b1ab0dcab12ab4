// Package camera runs one control loop per camera. The loop owns the
// streaming state machine and the P2P session: it derives the stream status
// from device state, starts and stops the transcoder, feeds incoming video
// fragments into the frame queue and reacts to stalled sessions.
package camera

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"eufybridge/internal/devicemanager"
	"eufybridge/internal/feeder"
	"eufybridge/internal/framequeue"
	"eufybridge/internal/metrics"
	"eufybridge/internal/poll"
	"eufybridge/internal/snapshot"
	"eufybridge/internal/transcoder"
	"eufybridge/pkg/models"
)

// ErrStopped is returned by operations issued after the control loop exited
var ErrStopped = errors.New("camera control loop stopped")

// Defaults applied to zero Options fields
const (
	DefaultPollAttempts = 50
	DefaultPollInterval = 250 * time.Millisecond
	DefaultFrameBuffer  = 256
)

// Transcoder start reasons, used as metric labels
const (
	reasonSession     = "session"
	reasonCodecChange = "codec_change"
)

// Upstream sends camera commands to the vendor API
type Upstream interface {
	SetLivestream(ctx context.Context, serial string, start bool) error
	SetRTSPStream(ctx context.Context, serial string, enabled bool) error
	SetDeviceEnabled(ctx context.Context, serial string, enabled bool) error
}

// Transcoder is the per-camera ffmpeg controller
type Transcoder interface {
	Start(ctx context.Context, p transcoder.Params) error
	Stop()
	IsRunning() bool
	Write(p []byte) error
}

// Imager returns still images for a camera
type Imager interface {
	Image(ctx context.Context, req snapshot.Request) ([]byte, bool)
}

// Options tune a camera's streaming behaviour
type Options struct {
	Output          transcoder.Output // Where P2P sessions are transcoded to
	AnalyzeDuration float64           // ffmpeg probe duration in seconds
	AutoStart       bool              // Start streaming when a stream source is requested
	PollAttempts    int
	PollInterval    time.Duration
	Feeder          feeder.Config
	FrameBuffer     int // Bus subscription buffer
}

// Deps are the collaborators of a camera
type Deps struct {
	Manager    *devicemanager.Manager
	Upstream   Upstream
	Transcoder Transcoder
	Imager     Imager
	Metrics    *metrics.Metrics
	Log        *logrus.Entry
}

type command func(ctx context.Context)

// Camera is a bridged camera and its control loop
type Camera struct {
	device     *models.Device
	manager    *devicemanager.Manager
	upstream   Upstream
	transcoder Transcoder
	imager     Imager
	opts       Options
	metrics    *metrics.Metrics
	log        *logrus.Entry

	queue *framequeue.Queue
	cmds  chan command
	done  chan struct{}

	// Owned by the control loop
	status       StreamStatus
	codec        string
	session      context.CancelFunc
	sessionID    uint64
	sessionStart time.Time
	feeders      sync.WaitGroup
}

// New creates a camera for device. Run must be called to start its loop.
func New(device *models.Device, deps Deps, opts Options) *Camera {
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = DefaultPollAttempts
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.FrameBuffer <= 0 {
		opts.FrameBuffer = DefaultFrameBuffer
	}

	return &Camera{
		device:     device,
		manager:    deps.Manager,
		upstream:   deps.Upstream,
		transcoder: deps.Transcoder,
		imager:     deps.Imager,
		opts:       opts,
		metrics:    deps.Metrics,
		log:        deps.Log.WithField("serial", device.SerialNumber),
		queue:      framequeue.New(),
		cmds:       make(chan command),
		done:       make(chan struct{}),
		codec:      models.DefaultCodec,
	}
}

// Serial returns the camera serial number
func (c *Camera) Serial() string {
	return c.device.SerialNumber
}

// Device returns the underlying device
func (c *Camera) Device() *models.Device {
	return c.device
}

// Run is the control loop. It returns when ctx is cancelled, after the
// P2P session and the transcoder have been torn down.
func (c *Camera) Run(ctx context.Context) error {
	frames, unsubscribe := c.manager.Subscribe(c.Serial(), c.opts.FrameBuffer)
	defer unsubscribe()
	changes, unwatch := c.manager.Watch(c.Serial())
	defer unwatch()
	defer close(c.done)

	c.log.Debug("control loop started")
	c.refreshStatus(ctx)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			c.log.Debug("control loop stopped")
			return nil
		case cmd := <-c.cmds:
			cmd(ctx)
		case frame, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			c.handleVideoData(ctx, frame)
		case <-changes:
			c.refreshStatus(ctx)
		}
	}
}

// do runs fn on the control loop and waits for it to finish
func (c *Camera) do(ctx context.Context, fn command) error {
	finished := make(chan struct{})
	wrapped := func(loopCtx context.Context) {
		defer close(finished)
		fn(loopCtx)
	}

	select {
	case c.cmds <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// post schedules fn on the control loop without waiting
func (c *Camera) post(fn command) {
	go func() {
		select {
		case c.cmds <- fn:
		case <-c.done:
		}
	}()
}

// refreshStatus re-derives the stream status and performs the transition
func (c *Camera) refreshStatus(ctx context.Context) {
	prev := c.status
	next := DeriveStreamStatus(c.device, prev, c.opts.Output.URL)

	switch next.Action {
	case ActionStartP2P:
		c.startP2P(ctx)
	case ActionStopP2P:
		c.stopP2P()
	}

	wasRTSP := prev.Streaming && prev.Source == models.StreamSourceRTSP
	isRTSP := next.Streaming && next.Source == models.StreamSourceRTSP
	if wasRTSP != isRTSP {
		c.metrics.SetRTSPActive(isRTSP)
	}

	next.Action = ActionNone
	c.status = next
	c.device.SetStreamStatus(next.Streaming, next.Source, next.Address)
}

func (c *Camera) startP2P(ctx context.Context) {
	c.log.Debug("start_p2p")
	c.clearQueue()
	if c.transcoder.IsRunning() {
		c.log.Debug("start_p2p - ffmpeg running - stop it")
		c.transcoder.Stop()
	}
	c.endSession()

	c.sessionID++
	id := c.sessionID
	sessionCtx, cancel := context.WithCancel(ctx)
	c.session = cancel
	c.sessionStart = time.Now()
	c.metrics.RecordSessionStart()

	// The transcoder starts on a later loop turn; the status query that
	// triggered the session does not wait for it
	c.post(func(ctx context.Context) {
		if c.sessionID != id || c.session == nil || c.transcoder.IsRunning() {
			return
		}
		c.startTranscoder(ctx, reasonSession)
	})

	fd := feeder.New(c.Serial(), c.queue, c.transcoder, c.opts.Feeder, c.onStall, c.metrics, c.log)
	c.feeders.Add(1)
	go func() {
		defer c.feeders.Done()
		fd.Run(sessionCtx)
	}()
}

func (c *Camera) stopP2P() {
	c.log.Debug("stop_p2p")
	c.clearQueue()
	c.endSession()
	if c.transcoder.IsRunning() {
		c.transcoder.Stop()
	}
}

// endSession cancels the feeder of the current session, if any
func (c *Camera) endSession() {
	if c.session == nil {
		return
	}
	c.session()
	c.session = nil
	c.metrics.RecordSessionStop(time.Since(c.sessionStart).Seconds())
}

func (c *Camera) clearQueue() {
	if dropped := c.queue.Clear(); dropped > 0 {
		c.metrics.RecordFragmentDropped(c.Serial(), "session_boundary", dropped)
	}
	c.metrics.SetQueueDepth(c.Serial(), 0)
}

func (c *Camera) startTranscoder(ctx context.Context, reason string) {
	params := transcoder.Params{
		Codec:           c.codec,
		AnalyzeDuration: c.opts.AnalyzeDuration,
		Output:          c.opts.Output,
	}
	if err := c.transcoder.Start(ctx, params); err != nil {
		c.log.WithError(err).Error("start ffmpeg failed")
		c.metrics.RecordTranscoderFailure()
		return
	}
	c.metrics.RecordTranscoderStart(c.Serial(), reason)
}

// handleVideoData restarts the transcoder when the fragment carries a
// different codec than the running session, then queues the fragment.
// Fragments without codec metadata keep the current session.
func (c *Camera) handleVideoData(ctx context.Context, frame *models.Frame) {
	if frame.Codec != "" && frame.Codec != c.codec {
		c.log.Debugf("set codec - default %s - incoming %s", c.codec, frame.Codec)
		c.codec = frame.Codec
		c.transcoder.Stop()
		c.startTranscoder(ctx, reasonCodecChange)
	}
	c.queue.Push(frame)
}

// onStall runs on the feeder goroutine once a session went idle
func (c *Camera) onStall(ctx context.Context) {
	err := c.do(ctx, func(loopCtx context.Context) {
		if !c.device.IsStreaming() {
			return
		}
		c.log.Info("stream stalled - stopping livestream")
		if err := c.upstream.SetLivestream(loopCtx, c.Serial(), false); err != nil {
			c.log.WithError(err).Warn("stop livestream after stall failed")
		}
	})
	if err != nil {
		c.log.WithError(err).Debug("stall handling skipped")
	}
}

func (c *Camera) shutdown() {
	c.stopP2P()
	c.feeders.Wait()
}

// Refresh re-derives the stream status on the control loop and returns it
func (c *Camera) Refresh(ctx context.Context) (StreamStatus, error) {
	var status StreamStatus
	err := c.do(ctx, func(ctx context.Context) {
		c.refreshStatus(ctx)
		status = c.status
	})
	return status, err
}

// currentStatus re-derives the status from the latest state. The cached
// fields are only used once the control loop is gone.
func (c *Camera) currentStatus(ctx context.Context) StreamStatus {
	status, err := c.Refresh(ctx)
	if err != nil {
		c.log.WithError(err).Debug("refresh failed - using cached status")
		source, address := c.device.StreamSource()
		status = StreamStatus{Streaming: c.device.IsStreaming(), Source: source, Address: address}
	}
	return status
}

// State returns the user facing camera state
func (c *Camera) State(ctx context.Context) string {
	status := c.currentStatus(ctx)
	battery, _ := c.device.Get(models.StateBattery)
	return StateString(status, c.device, battery)
}

// Info returns the API view of the camera
func (c *Camera) Info(ctx context.Context, withAttributes bool) models.CameraInfo {
	state := c.State(ctx)
	source, address := c.device.StreamSource()

	info := models.CameraInfo{
		Serial:        c.Serial(),
		Name:          c.device.Name,
		Model:         c.device.Model,
		State:         state,
		Streaming:     c.device.IsStreaming(),
		SourceType:    string(source),
		SourceAddress: address,
		Codec:         c.device.Codec(),
	}
	if withAttributes {
		info.Attributes = c.device.Snapshot()
	}
	return info
}

// StreamSource returns the address consumers should read the live stream
// from. When the camera is idle and auto start is enabled it turns the
// stream on and waits a bounded time for it to come up.
func (c *Camera) StreamSource(ctx context.Context) (string, bool) {
	status := c.currentStatus(ctx)
	if !status.Streaming {
		if !c.opts.AutoStart {
			c.log.Debug("stream_source - not streaming and auto start disabled")
			return "", false
		}

		if err := c.TurnOn(ctx); err != nil {
			c.log.WithError(err).Warn("stream_source - turn on failed")
		}
		err := poll.Until(ctx, c.opts.PollAttempts, c.opts.PollInterval, func(ctx context.Context) bool {
			refreshed, err := c.Refresh(ctx)
			if err != nil {
				return false
			}
			status = refreshed
			return status.Streaming
		})
		if err != nil {
			c.log.WithError(err).Debug("stream_source - stream did not come up")
		}
	}

	c.log.Debugf("stream_source - address - %s", status.Address)
	return status.Address, status.Address != ""
}

// Image returns a still image of the camera
func (c *Camera) Image(ctx context.Context, width, height int) ([]byte, bool) {
	status := c.currentStatus(ctx)
	return c.imager.Image(ctx, snapshot.Request{
		Serial:     c.Serial(),
		Streaming:  status.Streaming,
		Address:    status.Address,
		PictureURL: c.device.String(models.StatePictureURL),
		Width:      width,
		Height:     height,
	})
}

// StartLivestream asks the device to start P2P streaming
func (c *Camera) StartLivestream(ctx context.Context) error {
	return c.upstream.SetLivestream(ctx, c.Serial(), true)
}

// StopLivestream asks the device to stop P2P streaming
func (c *Camera) StopLivestream(ctx context.Context) error {
	return c.upstream.SetLivestream(ctx, c.Serial(), false)
}

// StartRTSP enables the device's RTSP stream
func (c *Camera) StartRTSP(ctx context.Context) error {
	return c.upstream.SetRTSPStream(ctx, c.Serial(), true)
}

// StopRTSP disables the device's RTSP stream
func (c *Camera) StopRTSP(ctx context.Context) error {
	return c.upstream.SetRTSPStream(ctx, c.Serial(), false)
}

// Enable turns the device on
func (c *Camera) Enable(ctx context.Context) error {
	return c.upstream.SetDeviceEnabled(ctx, c.Serial(), true)
}

// Disable turns the device off
func (c *Camera) Disable(ctx context.Context) error {
	return c.upstream.SetDeviceEnabled(ctx, c.Serial(), false)
}

// TurnOn starts streaming, over RTSP for devices that support it
func (c *Camera) TurnOn(ctx context.Context) error {
	if c.usesRTSP() {
		return c.StartRTSP(ctx)
	}
	return c.StartLivestream(ctx)
}

// TurnOff stops streaming
func (c *Camera) TurnOff(ctx context.Context) error {
	if c.usesRTSP() {
		return c.StopRTSP(ctx)
	}
	return c.StopLivestream(ctx)
}

// usesRTSP reports whether the device exposes the rtspStream property at all
func (c *Camera) usesRTSP() bool {
	return c.device.HasKey(models.StateRTSPStream)
}

// CatchUp resumes streams that were active before the bridge started
func (c *Camera) CatchUp(ctx context.Context) {
	if c.device.Bool(models.StateStartLivestreamAtInitialize) {
		c.log.Info("catch up - livestream was active")
		if err := c.StartLivestream(ctx); err != nil {
			c.log.WithError(err).Warn("catch up - start livestream failed")
		}
	}

	if c.device.Bool(models.StateRTSPStream) {
		if url, _ := c.device.Get(models.StateRTSPURL); url == nil {
			c.log.Info("catch up - rtsp stream was active")
			if err := c.StartRTSP(ctx); err != nil {
				c.log.WithError(err).Warn("catch up - start rtsp failed")
			}
		}
	}
}
