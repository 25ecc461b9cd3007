package types

// TodoStatus is the lifecycle state of a single todo entry.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoCancelled  TodoStatus = "cancelled"
)

// TodoPriority is the declared priority of a todo entry.
type TodoPriority string

const (
	PriorityLow    TodoPriority = "low"
	PriorityMedium TodoPriority = "medium"
	PriorityHigh   TodoPriority = "high"
)

// TodoItem is one entry of the structured todo list emitted by the
// assistant's todo tool.
type TodoItem struct {
	Content  string       `json:"content"`
	Status   TodoStatus   `json:"status"`
	Priority TodoPriority `json:"priority,omitempty"`
}

// RegistryEntry is one record of the cross-instance server registry file:
// a running (or last known) assistant server for a working directory.
type RegistryEntry struct {
	// TCP port the server announced.
	Port int `json:"port"`
	// Base URL derived from hostname and port.
	URL string `json:"url"`
	// PID of the server process itself.
	OwnerPID int `json:"owner_pid"`
	// PID of the aictl process that wrote the entry.
	WriterPID int `json:"writer_pid"`
	// Unix seconds at write time.
	Timestamp int64 `json:"timestamp"`
}

// SessionSummary is a listing row for a stored session transcript.
type SessionSummary struct {
	ID string `json:"id"`
	// First meaningful line of the transcript, truncated.
	Preview string `json:"preview"`
	// Last modification time in unix seconds.
	ModifiedUnix int64 `json:"modified_unix"`
}
