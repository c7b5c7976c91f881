package tools

import (
	"encoding/json"

	"github.com/apogee-dev/apogee-mcp/internal/protocol"
	"github.com/apogee-dev/apogee-mcp/internal/session"
)

// decode normalizes an argument payload (raw JSON from the HTTP transport or
// an already-decoded map from the stdio transport) into a typed struct.
func decode[T any](args any) (T, error) {
	var out T
	raw, ok := args.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(args)
		if err != nil {
			return out, protocol.ErrInvalidArgument("invalid arguments: %v", err)
		}
		raw = b
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, protocol.ErrInvalidArgument("invalid arguments: %v", err)
	}
	return out, nil
}

type todoUpdateArgs struct {
	Diff []session.TaskOp `json:"diff"`
}

func (a todoUpdateArgs) validate() error {
	if len(a.Diff) == 0 {
		return protocol.ErrInvalidArgument("diff must contain at least one operation")
	}
	for i, op := range a.Diff {
		switch op.Operation {
		case session.OpCreate:
		case session.OpUpdate, session.OpDelete:
			if op.ID == "" {
				return protocol.ErrInvalidArgument("diff[%d]: %s requires an id", i, op.Operation)
			}
		default:
			return protocol.ErrInvalidArgument("diff[%d]: unknown operation %q", i, op.Operation)
		}
		if op.Assignee != nil && !op.Assignee.Valid() {
			return protocol.ErrInvalidArgument("diff[%d]: unknown assignee %q", i, *op.Assignee)
		}
		if op.Status != nil && !op.Status.Valid() {
			return protocol.ErrInvalidArgument("diff[%d]: unknown status %q", i, *op.Status)
		}
	}
	return nil
}

type fenceSetArgs struct {
	Owner session.AgentRole `json:"owner"`
}

func (a fenceSetArgs) validate() error {
	if !a.Owner.Valid() {
		return protocol.ErrInvalidArgument("owner must be planner or implementer")
	}
	return nil
}

type patchApplyArgs struct {
	Diff         string `json:"diff"`
	Rationale    string `json:"rationale,omitempty"`
	TargetBranch string `json:"targetBranch,omitempty"`
}

func (a patchApplyArgs) validate() error {
	if a.Diff == "" {
		return protocol.ErrInvalidArgument("diff must not be empty")
	}
	return nil
}

type dbMigrateArgs struct {
	PlanID string `json:"planId"`
	DryRun bool   `json:"dryRun,omitempty"`
}

func (a dbMigrateArgs) validate() error {
	if a.PlanID == "" {
		return protocol.ErrInvalidArgument("planId must not be empty")
	}
	return nil
}

type sqlExecArgs struct {
	SQL    string `json:"sql"`
	DryRun bool   `json:"dryRun,omitempty"`
}

func (a sqlExecArgs) validate() error {
	if a.SQL == "" {
		return protocol.ErrInvalidArgument("sql must not be empty")
	}
	return nil
}

type commsPostArgs struct {
	Text     string         `json:"text"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (a commsPostArgs) validate() error {
	if a.Text == "" {
		return protocol.ErrInvalidArgument("text must not be empty")
	}
	return nil
}
