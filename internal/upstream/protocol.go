package upstream

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"

	"eufybridge/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// API schema version spoken by the bridge
const schemaVersion = 3

// Commands understood by the upstream server
const (
	cmdSetAPISchema     = "set_api_schema"
	cmdStartListening   = "start_listening"
	cmdPollRefresh      = "driver.poll_refresh"
	cmdGetProperties    = "device.get_properties"
	cmdIsLivestreaming  = "device.is_livestreaming"
	cmdSetRTSPStream    = "device.set_rtsp_stream"
	cmdEnableDevice     = "device.enable_device"
	cmdLivestreamFormat = "device.%s_livestream"
)

// Message types
const (
	typeResult  = "result"
	typeEvent   = "event"
	typeVersion = "version"
)

// Upstream event names
const (
	eventPropertyChanged   = "property changed"
	eventPersonDetected    = "person detected"
	eventMotionDetected    = "motion detected"
	eventGotRTSPURL        = "got rtsp url"
	eventLivestreamStarted = "livestream started"
	eventLivestreamStopped = "livestream stopped"
	eventVideoData         = "livestream video data"
)

// Command is an outgoing request
type Command struct {
	MessageID     string `json:"messageId"`
	Command       string `json:"command"`
	SerialNumber  string `json:"serialNumber,omitempty"`
	Value         *bool  `json:"value,omitempty"`
	SchemaVersion int    `json:"schemaVersion,omitempty"`
}

func livestreamCommand(start bool) string {
	if start {
		return fmt.Sprintf(cmdLivestreamFormat, "start")
	}
	return fmt.Sprintf(cmdLivestreamFormat, "stop")
}

// eventMapping says which state key an event updates and where its value is
type eventMapping struct {
	key       string // State key; empty means the event's own "name" field
	valuePath string // Path of the value in the event; empty means the event name
}

var stateEvents = map[string]eventMapping{
	eventPropertyChanged:   {valuePath: "value"},
	eventPersonDetected:    {key: models.StatePersonDetected, valuePath: "state"},
	eventMotionDetected:    {key: models.StateMotionDetected, valuePath: "state"},
	eventGotRTSPURL:        {key: models.StateRTSPURL, valuePath: "rtspUrl"},
	eventLivestreamStarted: {key: models.StateLiveStreamingStatus},
	eventLivestreamStopped: {key: models.StateLiveStreamingStatus},
}

// stateUpdate converts a state changing event into a state map update.
// ok is false for events that do not touch device state.
func stateUpdate(name string, event gjson.Result) (map[string]interface{}, bool) {
	mapping, ok := stateEvents[name]
	if !ok {
		return nil, false
	}

	key := mapping.key
	if key == "" {
		key = event.Get("name").String()
		if key == "" {
			return nil, false
		}
	}

	var value interface{} = name
	if mapping.valuePath != "" {
		value = event.Get(mapping.valuePath).Value()
	}
	return map[string]interface{}{key: value}, true
}

// videoFrame decodes a video data event. The payload arrives as a JSON
// array of byte values.
func videoFrame(serial string, event gjson.Result) (*models.Frame, string) {
	data := event.Get("buffer.data")
	payload := make([]byte, 0, len(data.Raw)/3)
	data.ForEach(func(_, v gjson.Result) bool {
		payload = append(payload, byte(v.Int()))
		return true
	})

	codec := strings.ToLower(event.Get("metadata.videoCodec").String())
	frame := &models.Frame{Serial: serial, Payload: payload}
	if codec != "" {
		frame.Codec = models.NormalizeCodec(codec)
	}
	return frame, codec
}

// decodeObject turns a JSON object into a state map
func decodeObject(raw string) (map[string]interface{}, error) {
	values := make(map[string]interface{})
	if raw == "" {
		return values, nil
	}
	if err := json.UnmarshalFromString(raw, &values); err != nil {
		return nil, err
	}
	return values, nil
}
