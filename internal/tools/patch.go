package tools

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apogee-dev/apogee-mcp/internal/collab"
	"github.com/apogee-dev/apogee-mcp/internal/policy"
	"github.com/apogee-dev/apogee-mcp/internal/protocol"
)

// PatchApplyResult reports a landed patch and the CI verdict recorded for it.
type PatchApplyResult struct {
	Commit  string `json:"commit"`
	Applied bool   `json:"applied"`
	CI      string `json:"ci"`
	Message string `json:"message"`
}

func (h *Handlers) applyPatch(ctx context.Context, args patchApplyArgs, auth *policy.Context) (*PatchApplyResult, error) {
	s, err := h.store.Get(auth.SessionID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	if !h.policy.CanMutateUnderFence(auth, s.WriteFence) {
		return nil, protocol.ErrFenceViolation(string(s.WriteFence), string(auth.Role))
	}

	patchID := uuid.NewString()[:8]
	target := args.TargetBranch
	if target == "" {
		target = "main"
	}

	// The VCS call runs with the invocation lock released; state is updated
	// with a second locked access once it returns.
	var res collab.PatchResult
	h.unlocked(auth.SessionID, func() {
		res, err = h.vcs.ApplyPatch(ctx, collab.PatchRequest{
			Diff:         args.Diff,
			Rationale:    args.Rationale,
			TargetBranch: target,
			Author:       string(auth.Role),
			PatchID:      patchID,
		})
	})
	if err != nil {
		h.logger.Warn("patch apply failed",
			zap.String("session", auth.SessionID),
			zap.String("patch", patchID),
			zap.Error(err))
		if _, logErr := h.store.AppendMessage(auth.SessionID, auth.Role,
			"Failed to apply patch: "+err.Error(), []string{"patch", "error"}); logErr != nil {
			return nil, mapStoreErr(logErr)
		}
		return nil, protocol.ErrPatchApplyFailed(err.Error())
	}

	rationale := args.Rationale
	if rationale == "" {
		rationale = "Code changes"
	}
	if _, err := h.store.AppendMessage(auth.SessionID, auth.Role,
		fmt.Sprintf("Applied patch %s: %s", patchID, rationale),
		[]string{"patch", "applied", res.Commit}); err != nil {
		return nil, mapStoreErr(err)
	}

	var ciStatus string
	h.unlocked(auth.SessionID, func() {
		ciStatus, err = h.ci.Run(ctx, res.Branch)
	})
	if err != nil {
		h.logger.Warn("ci run failed", zap.String("branch", res.Branch), zap.Error(err))
		ciStatus = "failed"
	}
	if err := h.store.SetCIStatus(auth.SessionID, ciStatus); err != nil {
		return nil, mapStoreErr(err)
	}

	h.logger.Info("patch applied",
		zap.String("session", auth.SessionID),
		zap.String("commit", res.Commit),
		zap.String("ci", ciStatus))

	return &PatchApplyResult{
		Commit:  res.Commit,
		Applied: true,
		CI:      ciStatus,
		Message: "Patch applied successfully on branch " + res.Branch,
	}, nil
}
