package tools

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/apogee-dev/apogee-mcp/internal/collab"
	"github.com/apogee-dev/apogee-mcp/internal/policy"
	"github.com/apogee-dev/apogee-mcp/internal/protocol"
	"github.com/apogee-dev/apogee-mcp/internal/session"
)

// runMigration executes a migration plan through the migration collaborator.
// Planner-only; the transport already screens the role, this re-check is
// defense in depth. Failures come back as a structured result, never as an
// error, so planners can branch on status.
func (h *Handlers) runMigration(ctx context.Context, args dbMigrateArgs, auth *policy.Context) (*collab.MigrationResult, error) {
	if auth.Role != session.RolePlanner {
		return nil, protocol.ErrUnauthorized(policy.ToolDBMigrate, string(auth.Role))
	}

	suffix := ""
	if args.DryRun {
		suffix = " (dry run)"
	}
	if _, err := h.store.AppendMessage(auth.SessionID, auth.Role,
		fmt.Sprintf("Starting database migration: %s%s", args.PlanID, suffix),
		[]string{"db", "migration", "start"}); err != nil {
		return nil, mapStoreErr(err)
	}

	var (
		result collab.MigrationResult
		err    error
	)
	h.unlocked(auth.SessionID, func() {
		result, err = h.migrator.Execute(ctx, args.PlanID, args.DryRun)
	})
	if err != nil {
		h.logger.Warn("migration failed",
			zap.String("session", auth.SessionID),
			zap.String("plan", args.PlanID),
			zap.Error(err))
		if _, logErr := h.store.AppendMessage(auth.SessionID, auth.Role,
			fmt.Sprintf("Migration %s failed: %v", args.PlanID, err),
			[]string{"db", "migration", "error"}); logErr != nil {
			return nil, mapStoreErr(logErr)
		}
		return &collab.MigrationResult{
			Status:  collab.MigrationFailed,
			Applied: []string{},
			Errors:  []string{err.Error()},
			PlanID:  args.PlanID,
		}, nil
	}

	if result.Status == collab.MigrationApplied && !args.DryRun && result.Schema != nil {
		if err := h.store.SetSchema(auth.SessionID, result.Schema); err != nil {
			return nil, mapStoreErr(err)
		}
	}

	if _, err := h.store.AppendMessage(auth.SessionID, auth.Role,
		fmt.Sprintf("Migration %s completed: %s", args.PlanID, result.Status),
		[]string{"db", "migration", result.Status}); err != nil {
		return nil, mapStoreErr(err)
	}

	return &result, nil
}

// SQLExecResult is the apogee.sql.exec payload.
type SQLExecResult struct {
	Result   string `json:"result"`
	Executed bool   `json:"executed"`
}

func (h *Handlers) execSQL(ctx context.Context, args sqlExecArgs, auth *policy.Context) (*SQLExecResult, error) {
	if auth.Role != session.RolePlanner {
		return nil, protocol.ErrUnauthorized(policy.ToolSQLExec, string(auth.Role))
	}

	snippet := args.SQL
	if len(snippet) > 100 {
		snippet = snippet[:100] + "..."
	}
	mode := "executed"
	if args.DryRun {
		mode = "dry-run"
	}
	if _, err := h.store.AppendMessage(auth.SessionID, auth.Role,
		"SQL query: "+snippet, []string{"db", "query", mode}); err != nil {
		return nil, mapStoreErr(err)
	}

	var (
		result string
		err    error
	)
	h.unlocked(auth.SessionID, func() {
		result, err = h.migrator.Query(ctx, args.SQL, args.DryRun)
	})
	if err != nil {
		return nil, err
	}
	return &SQLExecResult{Result: result, Executed: !args.DryRun}, nil
}
