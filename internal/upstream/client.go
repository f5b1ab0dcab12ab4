// Package upstream talks to the eufy-security-ws API server: it keeps a
// WebSocket connection open, mirrors device state for the configured
// cameras and forwards live video fragments to the device manager.
package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"eufybridge/internal/metrics"
	"eufybridge/pkg/models"
)

// ErrNotConnected is returned by commands issued while the connection is down
var ErrNotConnected = errors.New("upstream not connected")

const writeTimeout = 10 * time.Second

// Handler receives device updates from the upstream server
type Handler interface {
	UpdateState(serial string, values map[string]interface{}) error
	SetCodec(serial, codec string) error
	Publish(frame *models.Frame) error
}

// Config for the upstream client
type Config struct {
	URL               string
	Serials           []string      // Cameras to track; everything else is ignored
	SyncInterval      time.Duration // How often to ask the server for a refresh
	ReconnectInterval time.Duration
}

type requestKind int

const (
	kindStartListening requestKind = iota
	kindGetProperties
	kindLivestreamStatus
)

type pendingRequest struct {
	kind   requestKind
	serial string
}

// Client is the upstream API connection
type Client struct {
	config  Config
	handler Handler
	dialer  *websocket.Dialer
	metrics *metrics.Metrics
	log     *logrus.Entry
	tracked map[string]bool

	mu   sync.Mutex // Guards conn and serializes writes
	conn *websocket.Conn

	pendMu  sync.Mutex
	pending map[string]pendingRequest

	syncMu     sync.Mutex
	unsynced   map[string]bool // Serials whose livestream status is not known yet
	synced     chan struct{}
	syncedOnce sync.Once
}

// New creates a client. Run connects it.
func New(config Config, handler Handler, m *metrics.Metrics, log *logrus.Entry) *Client {
	if config.SyncInterval <= 0 {
		config.SyncInterval = 600 * time.Second
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = 10 * time.Second
	}

	tracked := make(map[string]bool, len(config.Serials))
	unsynced := make(map[string]bool, len(config.Serials))
	for _, s := range config.Serials {
		tracked[s] = true
		unsynced[s] = true
	}

	c := &Client{
		config:   config,
		handler:  handler,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		metrics:  m,
		log:      log,
		tracked:  tracked,
		pending:  make(map[string]pendingRequest),
		unsynced: unsynced,
		synced:   make(chan struct{}),
	}
	if len(unsynced) == 0 {
		c.markSynced()
	}
	return c
}

// Synced is closed once the initial state of every tracked camera is known
func (c *Client) Synced() <-chan struct{} {
	return c.synced
}

// Connected reports whether a connection is currently open
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run keeps the connection alive until ctx is cancelled
func (c *Client) Run(ctx context.Context) error {
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", c.config.SyncInterval), func() {
		c.refresh(ctx)
	}); err != nil {
		return errors.Wrap(err, "schedule refresh")
	}
	scheduler.Start()
	defer scheduler.Stop()

	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.log.WithError(err).Warnf("upstream disconnected - reconnecting in %s", c.config.ReconnectInterval)
		c.metrics.RecordUpstreamReconnect()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.config.ReconnectInterval):
		}
	}
}

// session runs one connection until it fails
func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return errors.Wrap(err, "dial upstream")
	}
	c.log.Infof("connected to %s", c.config.URL)

	// Results for requests sent on a previous connection never arrive
	c.pendMu.Lock()
	c.pending = make(map[string]pendingRequest)
	c.pendMu.Unlock()

	c.setConn(conn)
	defer c.setConn(nil)
	defer conn.Close()

	// Unblock ReadMessage on shutdown
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	if err := c.send(Command{MessageID: cmdSetAPISchema, Command: cmdSetAPISchema, SchemaVersion: schemaVersion}); err != nil {
		return err
	}
	if err := c.request(kindStartListening, "", Command{Command: cmdStartListening}); err != nil {
		return err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read upstream")
		}
		c.handleMessage(data)
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// send writes one command
func (c *Client) send(cmd Command) error {
	if cmd.MessageID == "" {
		cmd.MessageID = uuid.NewString()
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "encode command")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrapf(err, "send %s", cmd.Command)
	}
	c.log.Debugf("sent %s %s", cmd.Command, cmd.SerialNumber)
	return nil
}

// request sends a command whose result must be processed
func (c *Client) request(kind requestKind, serial string, cmd Command) error {
	cmd.MessageID = uuid.NewString()
	cmd.SerialNumber = serial

	c.pendMu.Lock()
	c.pending[cmd.MessageID] = pendingRequest{kind: kind, serial: serial}
	c.pendMu.Unlock()

	if err := c.send(cmd); err != nil {
		c.pendMu.Lock()
		delete(c.pending, cmd.MessageID)
		c.pendMu.Unlock()
		return err
	}
	return nil
}

func (c *Client) command(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.send(cmd)
}

// SetLivestream starts or stops a camera's P2P livestream
func (c *Client) SetLivestream(ctx context.Context, serial string, start bool) error {
	return c.command(ctx, Command{Command: livestreamCommand(start), SerialNumber: serial})
}

// SetRTSPStream enables or disables a camera's RTSP stream
func (c *Client) SetRTSPStream(ctx context.Context, serial string, enabled bool) error {
	return c.command(ctx, Command{Command: cmdSetRTSPStream, SerialNumber: serial, Value: &enabled})
}

// SetDeviceEnabled turns a camera on or off
func (c *Client) SetDeviceEnabled(ctx context.Context, serial string, enabled bool) error {
	return c.command(ctx, Command{Command: cmdEnableDevice, SerialNumber: serial, Value: &enabled})
}

// PollRefresh asks the server to refresh its cloud data
func (c *Client) PollRefresh(ctx context.Context) error {
	return c.command(ctx, Command{Command: cmdPollRefresh})
}

// refresh runs on the sync schedule
func (c *Client) refresh(ctx context.Context) {
	if err := c.PollRefresh(ctx); err != nil {
		c.log.WithError(err).Debug("poll refresh skipped")
		return
	}
	for _, serial := range c.config.Serials {
		if err := c.request(kindGetProperties, serial, Command{Command: cmdGetProperties}); err != nil {
			c.log.WithError(err).Debugf("get properties %s skipped", serial)
		}
	}
}

func (c *Client) handleMessage(data []byte) {
	msgType := gjson.GetBytes(data, "type").String()
	c.metrics.RecordUpstreamMessage(msgType)

	switch msgType {
	case typeResult:
		c.handleResult(data)
	case typeEvent:
		c.handleEvent(gjson.GetBytes(data, "event"))
	case typeVersion:
		c.log.Infof("upstream server %s, schema %d-%d",
			gjson.GetBytes(data, "serverVersion").String(),
			gjson.GetBytes(data, "minSchemaVersion").Int(),
			gjson.GetBytes(data, "maxSchemaVersion").Int())
	}
}

func (c *Client) handleResult(data []byte) {
	id := gjson.GetBytes(data, "messageId").String()

	c.pendMu.Lock()
	req, ok := c.pending[id]
	delete(c.pending, id)
	c.pendMu.Unlock()
	if !ok {
		return
	}

	if !gjson.GetBytes(data, "success").Bool() {
		c.log.Warnf("upstream request %s failed: %s", id, gjson.GetBytes(data, "errorCode").String())
		if req.kind == kindLivestreamStatus {
			c.statusKnown(req.serial)
		}
		return
	}

	result := gjson.GetBytes(data, "result")
	switch req.kind {
	case kindStartListening:
		c.handleDevices(result.Get("state.devices"))
	case kindGetProperties:
		c.handleProperties(req.serial, result.Get("properties"))
	case kindLivestreamStatus:
		if result.Get("livestreaming").Bool() {
			c.update(req.serial, map[string]interface{}{models.StateStartLivestreamAtInitialize: true})
		}
		c.statusKnown(req.serial)
	}
}

// handleDevices loads the initial device list and requests details for
// every tracked camera
func (c *Client) handleDevices(devices gjson.Result) {
	devices.ForEach(func(_, device gjson.Result) bool {
		serial := device.Get("serialNumber").String()
		if !c.tracked[serial] {
			return true
		}
		values, err := decodeObject(device.Raw)
		if err != nil {
			c.log.WithError(err).Warnf("decode device %s", serial)
			return true
		}
		c.update(serial, values)
		return true
	})

	for _, serial := range c.config.Serials {
		if err := c.request(kindGetProperties, serial, Command{Command: cmdGetProperties}); err != nil {
			c.log.WithError(err).Warnf("get properties %s", serial)
		}
		if err := c.request(kindLivestreamStatus, serial, Command{Command: cmdIsLivestreaming}); err != nil {
			c.log.WithError(err).Warnf("get livestream status %s", serial)
		}
	}
}

func (c *Client) handleProperties(serial string, properties gjson.Result) {
	values, err := decodeObject(properties.Raw)
	if err != nil {
		c.log.WithError(err).Warnf("decode properties %s", serial)
		return
	}
	c.update(serial, values)
}

func (c *Client) handleEvent(event gjson.Result) {
	serial := event.Get("serialNumber").String()
	if !c.tracked[serial] {
		return
	}

	name := event.Get("event").String()
	if name == eventVideoData {
		c.handleVideoData(serial, event)
		return
	}

	values, ok := stateUpdate(name, event)
	if !ok {
		c.log.Debugf("ignored event %q for %s", name, serial)
		return
	}
	c.log.Debugf("event %q for %s: %v", name, serial, values)
	c.update(serial, values)
}

func (c *Client) handleVideoData(serial string, event gjson.Result) {
	frame, codec := videoFrame(serial, event)
	if codec != "" {
		if err := c.handler.SetCodec(serial, codec); err != nil {
			c.log.WithError(err).Debug("set codec")
		}
	}
	frame.ReceivedAt = time.Now()
	if err := c.handler.Publish(frame); err != nil {
		c.log.WithError(err).Debug("publish video data")
	}
}

func (c *Client) update(serial string, values map[string]interface{}) {
	if err := c.handler.UpdateState(serial, values); err != nil {
		c.log.WithError(err).Warnf("update state %s", serial)
	}
}

// statusKnown records that a camera's initial livestream status arrived
func (c *Client) statusKnown(serial string) {
	c.syncMu.Lock()
	delete(c.unsynced, serial)
	done := len(c.unsynced) == 0
	c.syncMu.Unlock()

	if done {
		c.markSynced()
	}
}

func (c *Client) markSynced() {
	c.syncedOnce.Do(func() {
		close(c.synced)
	})
}
