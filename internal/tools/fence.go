package tools

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/apogee-dev/apogee-mcp/internal/policy"
	"github.com/apogee-dev/apogee-mcp/internal/session"
)

// FenceSetResult reports a fence transfer. Changed is false when the
// requested owner already held the fence; no log entry is written then.
type FenceSetResult struct {
	Owner     session.AgentRole `json:"owner"`
	Changed   bool              `json:"changed"`
	Timestamp int64             `json:"timestamp"`
}

func (h *Handlers) setFence(ctx context.Context, args fenceSetArgs, auth *policy.Context) (*FenceSetResult, error) {
	s, err := h.store.Get(auth.SessionID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	previous := s.WriteFence
	changed := previous != args.Owner
	if changed {
		if err := h.store.SetFence(auth.SessionID, args.Owner); err != nil {
			return nil, mapStoreErr(err)
		}
		// Handoff entry is authored by the new owner.
		_, err = h.store.AppendMessage(auth.SessionID, args.Owner,
			fmt.Sprintf("Write fence changed from %s to %s", previous, args.Owner),
			[]string{"fence", "handoff"})
		if err != nil {
			return nil, mapStoreErr(err)
		}
		h.logger.Info("write fence transferred",
			zap.String("session", auth.SessionID),
			zap.String("from", string(previous)),
			zap.String("to", string(args.Owner)))
	}

	return &FenceSetResult{Owner: args.Owner, Changed: changed, Timestamp: nowMillis()}, nil
}
