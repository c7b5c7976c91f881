package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalCI is the stand-in CI collaborator: it inspects the worktree for a
// build manifest and reports passed or skipped. A real CI trigger replaces
// this behind the same interface.
type LocalCI struct {
	dir string
}

// NewLocalCI returns a CI rooted at the given worktree.
func NewLocalCI(dir string) *LocalCI {
	return &LocalCI{dir: dir}
}

// Run reports "passed" when the worktree carries a recognized build
// manifest and "skipped" otherwise.
func (c *LocalCI) Run(ctx context.Context, branch string) (string, error) {
	for _, manifest := range []string{"go.mod", "package.json", "Makefile"} {
		if _, err := os.Stat(filepath.Join(c.dir, manifest)); err == nil {
			return "passed", nil
		}
	}
	return "skipped", nil
}

// StaticMigrator is the deterministic migration stand-in. Plan ids
// containing "error" fail, dry runs validate without applying, and anything
// else applies a fixed statement set and produces a schema snapshot.
type StaticMigrator struct{}

// Execute runs the plan. Failures are reported in the result status, never
// as a Go error.
func (StaticMigrator) Execute(ctx context.Context, planID string, dryRun bool) (MigrationResult, error) {
	if strings.Contains(planID, "error") {
		return MigrationResult{
			Status:  MigrationFailed,
			Applied: []string{},
			Errors:  []string{"simulated migration error"},
			PlanID:  planID,
		}, nil
	}

	if dryRun {
		return MigrationResult{
			Status:  MigrationValidated,
			Applied: []string{"Would apply: " + planID},
			Errors:  []string{},
			PlanID:  planID,
		}, nil
	}

	schema, _ := json.Marshal(map[string]any{
		"tables": []map[string]any{{
			"name": planID + "_table",
			"columns": []map[string]any{
				{"name": "id", "type": "serial", "primaryKey": true},
			},
		}},
		"lastUpdated": time.Now().UTC().Format(time.RFC3339),
	})

	return MigrationResult{
		Status: MigrationApplied,
		Applied: []string{
			fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s_table (id serial primary key)", planID),
			fmt.Sprintf("CREATE INDEX %s_idx ON %s_table(id)", planID, planID),
		},
		Errors: []string{},
		PlanID: planID,
		Schema: schema,
	}, nil
}

// Query validates or "executes" a raw statement. Like Execute, this is a
// deterministic stand-in for a real database backend.
func (StaticMigrator) Query(ctx context.Context, sql string, dryRun bool) (string, error) {
	if dryRun {
		return "Query validated", nil
	}
	return "Query executed", nil
}
