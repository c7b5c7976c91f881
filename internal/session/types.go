// Package session owns all mutable collaboration state: the per-session task
// board, write fence, communication log and schema/CI snapshots. State only
// changes through Store methods, and every successful mutation publishes one
// typed event on the store's bus.
package session

import "encoding/json"

// AgentRole identifies one of the two fixed agent roles.
type AgentRole string

const (
	RolePlanner     AgentRole = "planner"
	RoleImplementer AgentRole = "implementer"
)

// Valid reports whether r is one of the two known roles.
func (r AgentRole) Valid() bool {
	return r == RolePlanner || r == RoleImplementer
}

// TaskStatus is the lifecycle state of a task board item.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	return s == StatusPending || s == StatusInProgress || s == StatusCompleted
}

// Task is a single task board item.
type Task struct {
	ID        string     `json:"id"`
	Desc      string     `json:"desc"`
	Assignee  AgentRole  `json:"assignee"`
	Status    TaskStatus `json:"status"`
	CreatedAt int64      `json:"createdAt"`
	UpdatedAt int64      `json:"updatedAt"`
}

// Message is one communication log entry.
type Message struct {
	ID        string    `json:"id"`
	Agent     AgentRole `json:"agent"`
	Text      string    `json:"text"`
	Timestamp int64     `json:"timestamp"`
	Tags      []string  `json:"tags,omitempty"`
}

// Session is a snapshot of one collaboration context. Store methods hand out
// copies; callers never see the live state.
type Session struct {
	ID          string          `json:"id"`
	Todos       []Task          `json:"todos"`
	WriteFence  AgentRole       `json:"writeFence"`
	CommsLog    []Message       `json:"commsLog"`
	DBSchema    json.RawMessage `json:"dbSchema,omitempty"`
	CIStatus    string          `json:"ciStatus,omitempty"`
	LastUpdated int64           `json:"lastUpdated"`
}

// TaskOpKind tags a single task diff operation.
type TaskOpKind string

const (
	OpCreate TaskOpKind = "create"
	OpUpdate TaskOpKind = "update"
	OpDelete TaskOpKind = "delete"
)

// TaskOp is one entry of a task board diff. Optional fields are pointers so
// an update only touches the fields the caller actually sent.
type TaskOp struct {
	Operation TaskOpKind  `json:"operation"`
	ID        string      `json:"id,omitempty"`
	Desc      *string     `json:"desc,omitempty"`
	Assignee  *AgentRole  `json:"assignee,omitempty"`
	Status    *TaskStatus `json:"status,omitempty"`
}

// MaxCommsLog bounds the communication log per session; the oldest entries
// are evicted first.
const MaxCommsLog = 100
