// Package resources serves read-only projections of session state as MCP
// resources. Every document is a JSON snapshot; nothing here mutates the
// store.
package resources

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/apogee-dev/apogee-mcp/internal/policy"
	"github.com/apogee-dev/apogee-mcp/internal/protocol"
	"github.com/apogee-dev/apogee-mcp/internal/session"
)

// Resource URIs.
const (
	URIComms  = "log://comms"
	URIBoard  = "todos://board"
	URISchema = "schema://current"
	URICI     = "ci://latest"
)

// Handlers reads session state for resource requests.
type Handlers struct {
	store *session.Store
}

// New wires the resource handlers to the store.
func New(store *session.Store) *Handlers {
	return &Handlers{store: store}
}

// Catalog returns the static resource definitions advertised by
// resources/list.
func Catalog() []mcp.Resource {
	return []mcp.Resource{
		mcp.NewResource(URIComms, "Communication Log",
			mcp.WithResourceDescription("Real-time feed of agent communications and actions"),
			mcp.WithMIMEType("application/json"),
		),
		mcp.NewResource(URIBoard, "Todo Board",
			mcp.WithResourceDescription("Current task assignments and status"),
			mcp.WithMIMEType("application/json"),
		),
		mcp.NewResource(URISchema, "Database Schema",
			mcp.WithResourceDescription("Last introspected database schema snapshot"),
			mcp.WithMIMEType("application/json"),
		),
		mcp.NewResource(URICI, "CI Status",
			mcp.WithResourceDescription("Latest build and test results"),
			mcp.WithMIMEType("application/json"),
		),
	}
}

// commsDoc is the log://comms document.
type commsDoc struct {
	Messages      []session.Message `json:"messages"`
	TotalMessages int               `json:"totalMessages"`
	SessionID     string            `json:"sessionId"`
	LastUpdated   int64             `json:"lastUpdated"`
}

// boardSummary holds the computed task board counts.
type boardSummary struct {
	Total            int `json:"total"`
	Pending          int `json:"pending"`
	InProgress       int `json:"inProgress"`
	Completed        int `json:"completed"`
	PlannerTasks     int `json:"plannerTasks"`
	ImplementerTasks int `json:"implementerTasks"`
}

// boardDoc is the todos://board document.
type boardDoc struct {
	Todos       []session.Task    `json:"todos"`
	WriteFence  session.AgentRole `json:"writeFence"`
	Summary     boardSummary      `json:"summary"`
	LastUpdated int64             `json:"lastUpdated"`
}

// schemaDoc is the schema://current document.
type schemaDoc struct {
	Schema      json.RawMessage `json:"schema"`
	SessionID   string          `json:"sessionId"`
	LastUpdated int64           `json:"lastUpdated"`
}

// ciDoc is the ci://latest document.
type ciDoc struct {
	Status      string `json:"status"`
	LastUpdated int64  `json:"lastUpdated"`
	SessionID   string `json:"sessionId"`
	Timestamp   int64  `json:"timestamp"`
}

// schemaPlaceholder is served until a migration has produced a snapshot.
var schemaPlaceholder = json.RawMessage(`{"message":"No schema available - run migration first"}`)

// Read resolves a protocol://resource locator against the caller's session
// and returns the document as raw JSON.
func (h *Handlers) Read(uri string, auth *policy.Context) (json.RawMessage, error) {
	s, err := h.store.Get(auth.SessionID)
	if err != nil {
		var nf *session.ErrNotFound
		if errors.As(err, &nf) {
			return nil, protocol.ErrSessionNotFound(nf.ID)
		}
		return nil, err
	}

	var doc any
	switch uri {
	case URIComms:
		doc = commsDoc{
			Messages:      s.CommsLog,
			TotalMessages: len(s.CommsLog),
			SessionID:     s.ID,
			LastUpdated:   s.LastUpdated,
		}

	case URIBoard:
		summary := boardSummary{Total: len(s.Todos)}
		for _, t := range s.Todos {
			switch t.Status {
			case session.StatusPending:
				summary.Pending++
			case session.StatusInProgress:
				summary.InProgress++
			case session.StatusCompleted:
				summary.Completed++
			}
			switch t.Assignee {
			case session.RolePlanner:
				summary.PlannerTasks++
			case session.RoleImplementer:
				summary.ImplementerTasks++
			}
		}
		doc = boardDoc{
			Todos:       s.Todos,
			WriteFence:  s.WriteFence,
			Summary:     summary,
			LastUpdated: s.LastUpdated,
		}

	case URISchema:
		schema := s.DBSchema
		if schema == nil {
			schema = schemaPlaceholder
		}
		doc = schemaDoc{Schema: schema, SessionID: s.ID, LastUpdated: s.LastUpdated}

	case URICI:
		status := s.CIStatus
		if status == "" {
			status = "unknown"
		}
		doc = ciDoc{
			Status:      status,
			LastUpdated: s.LastUpdated,
			SessionID:   s.ID,
			Timestamp:   time.Now().UnixMilli(),
		}

	default:
		// A known protocol with a wrong resource name is just as unknown
		// as a foreign protocol.
		return nil, protocol.ErrUnknownResource(uri)
	}

	return json.MarshalIndent(doc, "", "  ")
}
