package tools

import (
	"context"

	"github.com/apogee-dev/apogee-mcp/internal/policy"
	"github.com/apogee-dev/apogee-mcp/internal/session"
)

// TodoUpdateResult is the apogee.todo.update payload: the full task board
// after the diff, plus the update timestamp.
type TodoUpdateResult struct {
	Todos   []session.Task `json:"todos"`
	Updated int64          `json:"updated"`
}

func (h *Handlers) updateTodos(ctx context.Context, args todoUpdateArgs, auth *policy.Context) (*TodoUpdateResult, error) {
	todos, err := h.store.UpdateTasks(auth.SessionID, args.Diff)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return &TodoUpdateResult{Todos: todos, Updated: nowMillis()}, nil
}
