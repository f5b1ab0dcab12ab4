package camera

import (
	"fmt"

	"eufybridge/pkg/models"
)

// Action is the side effect a status transition asks the control loop to perform
type Action int

const (
	ActionNone Action = iota
	ActionStartP2P
	ActionStopP2P
)

func (a Action) String() string {
	switch a {
	case ActionStartP2P:
		return "start_p2p"
	case ActionStopP2P:
		return "stop_p2p"
	default:
		return "none"
	}
}

// StreamStatus is the derived streaming view of a device
type StreamStatus struct {
	Streaming bool
	Source    models.StreamSourceType
	Address   string
	Action    Action
}

// DeriveStreamStatus computes the next streaming status from the device
// state and the previous status. When both RTSP and P2P are active the P2P
// source wins. Fields not touched by an active branch keep their previous
// values.
func DeriveStreamStatus(state models.StateView, prev StreamStatus, p2pURL string) StreamStatus {
	rtsp := state.Bool(models.StateRTSPStream)
	live := state.String(models.StateLiveStreamingStatus) == models.LiveStreamStarted

	if rtsp || live {
		next := StreamStatus{
			Streaming: prev.Streaming,
			Source:    prev.Source,
			Address:   prev.Address,
		}
		if rtsp {
			if url := state.String(models.StateRTSPURL); url != "" {
				next.Source = models.StreamSourceRTSP
				next.Address = url
				next.Streaming = true
			}
		}
		if live {
			next.Source = models.StreamSourceP2P
			next.Address = p2pURL
			if !prev.Streaming {
				next.Action = ActionStartP2P
			}
			next.Streaming = true
		}
		return next
	}

	next := StreamStatus{}
	if prev.Streaming && prev.Source == models.StreamSourceP2P {
		next.Action = ActionStopP2P
	}
	return next
}

// Camera states as shown to users
const (
	StateIdle           = "Idle"
	StateStreaming      = "Streaming"
	StateMotionDetected = "Motion Detected"
	StatePersonDetected = "Person Detected"
)

// StateString renders the user facing state of a camera
func StateString(status StreamStatus, state models.StateView, battery interface{}) string {
	switch {
	case status.Streaming:
		if status.Source != models.StreamSourceNone {
			return fmt.Sprintf("%s - %s", StateStreaming, status.Source)
		}
		return StateStreaming
	case state.Bool(models.StateMotionDetected):
		return StateMotionDetected
	case state.Bool(models.StatePersonDetected):
		return StatePersonDetected
	case battery != nil:
		return fmt.Sprintf("%s - %v %%", StateIdle, battery)
	default:
		return StateIdle
	}
}
