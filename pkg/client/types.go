package client

import "time"

// Result is the envelope returned by start, stop, status and weather.
type Result struct {
	Type string     `json:"type"`
	Data ResultData `json:"data"`
}

type ResultData struct {
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
	URL     string `json:"url,omitempty"`
}

// OK reports whether the envelope is a success.
func (r Result) OK() bool { return r.Type == "success" }

// Snapshot is the supervisor state with the latest resource sample.
type Snapshot struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	URL       string    `json:"url,omitempty"`
	Port      int       `json:"port,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Usage     *Usage    `json:"usage,omitempty"`
}

type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

type Platform struct {
	Platform string `json:"platform"`
	Arch     string `json:"arch"`
}

// Event is one lifecycle history entry.
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     struct {
		Name     string `json:"name"`
		PID      int    `json:"pid"`
		Port     int    `json:"port"`
		Status   string `json:"status"`
		ExitCode int    `json:"exit_code"`
		Error    string `json:"error,omitempty"`
	} `json:"record"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
