package models

// CameraInfo represents camera metadata returned by the API
type CameraInfo struct {
	Serial        string                 `json:"serial"`
	Name          string                 `json:"name"`
	Model         string                 `json:"model,omitempty"`
	State         string                 `json:"state"`
	Streaming     bool                   `json:"streaming"`
	SourceType    string                 `json:"sourceType,omitempty"`
	SourceAddress string                 `json:"sourceAddress,omitempty"`
	Codec         string                 `json:"codec"`
	Attributes    map[string]interface{} `json:"attributes,omitempty"`
}

// CameraListResponse represents a list of cameras
type CameraListResponse struct {
	Cameras []CameraInfo `json:"cameras"`
	Total   int          `json:"total"`
}

// StreamSourceResponse is returned by the stream source endpoint
type StreamSourceResponse struct {
	Serial  string `json:"serial"`
	Address string `json:"address"`
	Type    string `json:"type,omitempty"`
}
