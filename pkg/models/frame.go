package models

import "time"

// Frame is one raw video fragment pushed by a camera over the P2P protocol
type Frame struct {
	Serial     string    // Device the fragment belongs to
	Seq        uint64    // Arrival order, assigned by the frame queue
	Payload    []byte    // Raw elementary stream bytes
	Codec      string    // Codec reported alongside the fragment ("h264", "hevc")
	ReceivedAt time.Time // When the fragment reached the bridge
}

// Size returns the payload length in bytes
func (f *Frame) Size() int {
	if f == nil {
		return 0
	}
	return len(f.Payload)
}
