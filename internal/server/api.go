package server

import "time"

// ServiceName is the fully qualified management service name.
const ServiceName = "labrecorder.recorder.v1.RecorderService"

// Procedure paths of the management service.
const (
	SetWriterProcedure    = "/" + ServiceName + "/SetWriter"
	AttachProcedure       = "/" + ServiceName + "/Attach"
	DetachProcedure       = "/" + ServiceName + "/Detach"
	ListSourcesProcedure  = "/" + ServiceName + "/ListSources"
	WriterStatusProcedure = "/" + ServiceName + "/WriterStatus"
)

type SetWriterRequest struct {
	Kind   string            `json:"kind"`
	Params map[string]string `json:"params,omitempty"`
}

type SetWriterResponse struct {
	Sink string `json:"sink"`
}

// AttachRequest names the source as "host:port" and the interval as a Go
// duration string such as "1s".
type AttachRequest struct {
	Source      string            `json:"source"`
	Interval    string            `json:"interval"`
	Measurement string            `json:"measurement"`
	Tags        map[string]string `json:"tags,omitempty"`
	Fields      []string          `json:"fields,omitempty"`
}

type AttachResponse struct {
	Source   string `json:"source"`
	Instance string `json:"instance"`
}

type DetachRequest struct {
	Source string `json:"source"`
}

type DetachResponse struct{}

type ListSourcesRequest struct{}

type ListSourcesResponse struct {
	Sources []SourceInfo `json:"sources"`
}

// SourceInfo describes one attached source.
type SourceInfo struct {
	Source              string            `json:"source"`
	Instance            string            `json:"instance"`
	State               string            `json:"state"`
	Interval            string            `json:"interval"`
	Measurement         string            `json:"measurement"`
	Tags                map[string]string `json:"tags,omitempty"`
	Fields              []string          `json:"fields,omitempty"`
	AttachedAt          time.Time         `json:"attached_at"`
	Polls               int64             `json:"polls"`
	Points              int64             `json:"points"`
	FetchFailures       int64             `json:"fetch_failures"`
	EmptyResults        int64             `json:"empty_results"`
	ConsecutiveFailures int64             `json:"consecutive_failures"`
	LastError           string            `json:"last_error,omitempty"`
	LastPoll            time.Time         `json:"last_poll,omitzero"`
}

type WriterStatusRequest struct{}

// WriterStatusResponse reports the writer. Configured is false until a
// writer has been set; the other writer fields are then zero.
type WriterStatusResponse struct {
	Configured bool      `json:"configured"`
	State      string    `json:"state,omitempty"`
	Sink       string    `json:"sink,omitempty"`
	Instance   string    `json:"instance,omitempty"`
	Processed  int64     `json:"processed"`
	Failed     int64     `json:"failed"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	QueueDepth int       `json:"queue_depth"`
	PerSecond  float64   `json:"per_second"`
	Sources    int       `json:"sources"`
	Abandoned  int64     `json:"abandoned"`
	Recorder   string    `json:"recorder"`
}
