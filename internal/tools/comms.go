package tools

import (
	"context"

	"github.com/apogee-dev/apogee-mcp/internal/policy"
	"github.com/apogee-dev/apogee-mcp/internal/session"
)

// CommsPostResult echoes the stored communication log entry.
type CommsPostResult struct {
	Message session.Message `json:"message"`
	Posted  bool            `json:"posted"`
}

func (h *Handlers) postMessage(ctx context.Context, args commsPostArgs, auth *policy.Context) (*CommsPostResult, error) {
	msg, err := h.store.AppendMessage(auth.SessionID, auth.Role, args.Text, args.Tags)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return &CommsPostResult{Message: msg, Posted: true}, nil
}
