// Package collab defines the external collaborators the tool handlers
// delegate to — version control, CI and database migration — together with
// the local implementations used when no real backend is wired in. The
// interfaces are the seam: handlers never reach around them.
package collab

import (
	"context"
	"encoding/json"
)

// PatchRequest describes one unified diff to land.
type PatchRequest struct {
	Diff         string
	Rationale    string
	TargetBranch string
	Author       string
	PatchID      string
}

// PatchResult reports a successfully landed patch.
type PatchResult struct {
	Commit string
	Branch string
}

// VCS materializes a branch, applies a diff and commits it. A failing apply
// must leave the repository unchanged.
type VCS interface {
	ApplyPatch(ctx context.Context, req PatchRequest) (PatchResult, error)
}

// CI returns a status token for a branch: passed, failed or skipped.
type CI interface {
	Run(ctx context.Context, branch string) (string, error)
}

// Migration status tokens.
const (
	MigrationApplied   = "applied"
	MigrationValidated = "validated"
	MigrationFailed    = "failed"
)

// MigrationResult is the structured outcome of a migration plan. Failures
// travel as data in Status/Errors, not as Go errors.
type MigrationResult struct {
	Status  string          `json:"status"`
	Applied []string        `json:"applied"`
	Errors  []string        `json:"errors"`
	PlanID  string          `json:"planId"`
	Schema  json.RawMessage `json:"-"`
}

// Migrator executes a migration plan or a raw query. Schema on an applied
// result carries the post-migration schema snapshot.
type Migrator interface {
	Execute(ctx context.Context, planID string, dryRun bool) (MigrationResult, error)
	Query(ctx context.Context, sql string, dryRun bool) (string, error)
}
