package supervisor

import "time"

// Result is the outcome of a lifecycle command, shaped for the desktop
// shell: {"type":"success"|"error","data":{...}}.
type Result struct {
	Type string     `json:"type"`
	Data ResultData `json:"data"`
}

type ResultData struct {
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
	URL     string `json:"url,omitempty"`
}

const (
	ResultSuccess = "success"
	ResultError   = "error"

	StatusRunning  = "running"
	StatusStarting = "starting"
	StatusStopped  = "stopped"
)

func Success(message, status, url string) Result {
	return Result{Type: ResultSuccess, Data: ResultData{Message: message, Status: status, URL: url}}
}

func Failure(message string) Result {
	return Result{Type: ResultError, Data: ResultData{Message: message}}
}

func (r Result) OK() bool { return r.Type == ResultSuccess }

// Status is a point-in-time view of the supervisor.
type Status struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	URL       string    `json:"url,omitempty"`
	Port      int       `json:"port,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}
