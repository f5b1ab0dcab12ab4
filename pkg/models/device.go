package models

import (
	"fmt"
	"sync"
)

// StreamSourceType identifies where a camera's live stream currently comes from
type StreamSourceType string

const (
	StreamSourceNone StreamSourceType = ""
	StreamSourceRTSP StreamSourceType = "rtsp"
	StreamSourceP2P  StreamSourceType = "p2p"
)

// Well-known keys of the device state map, as named by the upstream API
const (
	StateRTSPStream                  = "rtspStream"
	StateRTSPURL                     = "rtspUrl"
	StateLiveStreamingStatus         = "liveStreamingStatus"
	StateMotionDetected              = "motionDetected"
	StatePersonDetected              = "personDetected"
	StateBattery                     = "battery"
	StatePictureURL                  = "pictureUrl"
	StateEnabled                     = "enabled"
	StateStartLivestreamAtInitialize = "start livestream at initialize"
)

// Values of the liveStreamingStatus state field
const (
	LiveStreamStarted = "livestream started"
	LiveStreamStopped = "livestream stopped"
)

// DefaultCodec is the codec assumed until the device reports another one
const DefaultCodec = "h264"

// StateView is read access to a device state map
type StateView interface {
	Bool(key string) bool
	String(key string) string
}

// State is a device state map. Values are whatever the upstream protocol sent.
type State map[string]interface{}

// Bool returns true only when the value stored under key is the boolean true
func (s State) Bool(key string) bool {
	v, ok := s[key].(bool)
	return ok && v
}

// String returns the value under key as a string, or "" when absent or nil
func (s State) String(key string) string {
	switch v := s[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Device represents a camera known to the bridge
type Device struct {
	SerialNumber string // Immutable identifier
	Name         string
	Model        string

	state State

	// Derived from state on every status query
	isStreaming         bool
	streamSourceType    StreamSourceType
	streamSourceAddress string

	codec string

	mu sync.RWMutex // Protects concurrent access
}

// NewDevice creates a camera device. Streaming related state keys are reset
// regardless of what the initial state carries.
func NewDevice(serial, name, model string, initial map[string]interface{}) *Device {
	state := make(State, len(initial)+3)
	for k, v := range initial {
		state[k] = v
	}
	state[StateRTSPURL] = nil
	state[StateLiveStreamingStatus] = nil
	state[StateStartLivestreamAtInitialize] = false

	return &Device{
		SerialNumber: serial,
		Name:         name,
		Model:        model,
		state:        state,
		codec:        DefaultCodec,
	}
}

// Bool implements StateView
func (d *Device) Bool(key string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.Bool(key)
}

// String implements StateView
func (d *Device) String(key string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.String(key)
}

// Get returns the raw state value for key
func (d *Device) Get(key string) (interface{}, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.state[key]
	return v, ok
}

// HasKey reports whether key is present in the state map, even with a nil value
func (d *Device) HasKey(key string) bool {
	_, ok := d.Get(key)
	return ok
}

// Set stores a single state value
func (d *Device) Set(key string, value interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state[key] = value
}

// Merge stores every entry of values into the state map
func (d *Device) Merge(values map[string]interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range values {
		d.state[k] = v
	}
}

// Snapshot returns a copy of the state map
func (d *Device) Snapshot() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(State, len(d.state))
	for k, v := range d.state {
		out[k] = v
	}
	return out
}

// IsStreaming returns the last derived streaming flag
func (d *Device) IsStreaming() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isStreaming
}

// StreamSource returns the last derived source type and address
func (d *Device) StreamSource() (StreamSourceType, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.streamSourceType, d.streamSourceAddress
}

// SetStreamStatus stores the derived streaming fields
func (d *Device) SetStreamStatus(streaming bool, source StreamSourceType, address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.isStreaming = streaming
	d.streamSourceType = source
	d.streamSourceAddress = address
}

// Codec returns the negotiated video codec
func (d *Device) Codec() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.codec
}

// SetCodec stores the codec reported by the device, normalized to the
// names ffmpeg understands as input formats.
func (d *Device) SetCodec(codec string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.codec = NormalizeCodec(codec)
}

// NormalizeCodec maps upstream codec names onto ffmpeg demuxer names
func NormalizeCodec(codec string) string {
	switch codec {
	case "", "unknown":
		return DefaultCodec
	case "h265":
		return "hevc"
	default:
		return codec
	}
}
