package types

// ServerStatus summarizes one managed or adopted assistant server for /status.
type ServerStatus struct {
	// Working directory the server belongs to.
	Dir string `json:"dir"`
	// Base URL of the server.
	URL string `json:"url"`
	// Process ID when owned; zero for adopted external servers.
	PID int `json:"pid,omitempty"`
	// True when the server was adopted from the registry rather than spawned.
	External bool `json:"external"`
	// Lifecycle state: starting, ready or stopped.
	State string `json:"state"`
	// Agent currently configured on the server.
	Agent string `json:"agent,omitempty"`
	// Model currently configured on the server.
	Model string `json:"model,omitempty"`
	// Last session id observed on the server.
	SessionID string `json:"session_id,omitempty"`
}

// RequestStatus summarizes one in-flight request for /status.
type RequestStatus struct {
	ID uint64 `json:"id"`
	// Execution mode: quick or agentic.
	Mode string `json:"mode"`
	// Unix seconds when the exchange started.
	StartedUnix int64 `json:"started_unix"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Servers  []ServerStatus  `json:"servers"`
	Requests []RequestStatus `json:"requests"`
	// Uptime of the control API in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// RunRequest is the payload accepted by POST /run.
type RunRequest struct {
	// Required prompt text. A leading @quick/@agentic/@plan marker overrides
	// the configured mode or agent for this call.
	Prompt string `json:"prompt"`
	// Working directory of the project; defaults to the daemon's cwd.
	Dir string `json:"dir,omitempty"`
	// Optional file paths attached to the prompt.
	Files []string `json:"files,omitempty"`
	// Optional session id to continue.
	SessionID string `json:"session_id,omitempty"`
	// Optional model override.
	Model string `json:"model,omitempty"`
	// Optional agent override.
	Agent string `json:"agent,omitempty"`
}

// RunResponse is the unified final state of one exchange: exactly one of
// Text or Error carries the outcome. Partial text may accompany a timeout.
type RunResponse struct {
	// Terminal outcome: completed, timed-out, cancelled or failed.
	Outcome string `json:"outcome"`
	// Response text accumulated for the exchange.
	Text string `json:"text,omitempty"`
	// Error text for failed or timed-out exchanges.
	Error string `json:"error,omitempty"`
	// Session id assigned by the assistant, when known.
	SessionID string `json:"session_id,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
