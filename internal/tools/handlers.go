package tools

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/apogee-dev/apogee-mcp/internal/collab"
	"github.com/apogee-dev/apogee-mcp/internal/policy"
	"github.com/apogee-dev/apogee-mcp/internal/protocol"
	"github.com/apogee-dev/apogee-mcp/internal/session"
)

// Handlers dispatches validated tool calls against the session store and the
// external collaborators. One instance serves all transports.
type Handlers struct {
	store    *session.Store
	policy   *policy.Enforcer
	vcs      collab.VCS
	ci       collab.CI
	migrator collab.Migrator
	logger   *zap.Logger

	invMu sync.Mutex
	inv   map[string]*sync.Mutex
}

// New wires the tool handlers. All dependencies are required.
func New(store *session.Store, enforcer *policy.Enforcer, vcs collab.VCS, ci collab.CI, migrator collab.Migrator, logger *zap.Logger) *Handlers {
	return &Handlers{
		store:    store,
		policy:   enforcer,
		vcs:      vcs,
		ci:       ci,
		migrator: migrator,
		logger:   logger,
		inv:      make(map[string]*sync.Mutex),
	}
}

// sessionLock returns the invocation mutex for a session id, creating it on
// first use. Each tool invocation holds it end to end, so read-modify-write
// sequences on one session never interleave.
func (h *Handlers) sessionLock(id string) *sync.Mutex {
	h.invMu.Lock()
	defer h.invMu.Unlock()
	mu, ok := h.inv[id]
	if !ok {
		mu = &sync.Mutex{}
		h.inv[id] = mu
	}
	return mu
}

// unlocked runs fn with the session's invocation lock released. External
// collaborator calls go through here: they must never block other
// invocations on the session, and the lock is held again before any state
// is written back.
func (h *Handlers) unlocked(sessionID string, fn func()) {
	mu := h.sessionLock(sessionID)
	mu.Unlock()
	defer mu.Lock()
	fn()
}

// Execute validates the payload for the named tool and runs it under the
// caller's authorization context. Results are JSON-serializable; failures
// carry a stable protocol error code.
func (h *Handlers) Execute(ctx context.Context, name string, args any, auth *policy.Context) (any, error) {
	mu := h.sessionLock(auth.SessionID)
	mu.Lock()
	defer mu.Unlock()

	switch name {
	case policy.ToolTodoUpdate:
		a, err := decodeValid[todoUpdateArgs](args)
		if err != nil {
			return nil, err
		}
		return h.updateTodos(ctx, a, auth)

	case policy.ToolFenceSet:
		a, err := decodeValid[fenceSetArgs](args)
		if err != nil {
			return nil, err
		}
		return h.setFence(ctx, a, auth)

	case policy.ToolPatchApply:
		a, err := decodeValid[patchApplyArgs](args)
		if err != nil {
			return nil, err
		}
		return h.applyPatch(ctx, a, auth)

	case policy.ToolDBMigrate:
		a, err := decodeValid[dbMigrateArgs](args)
		if err != nil {
			return nil, err
		}
		return h.runMigration(ctx, a, auth)

	case policy.ToolSQLExec:
		a, err := decodeValid[sqlExecArgs](args)
		if err != nil {
			return nil, err
		}
		return h.execSQL(ctx, a, auth)

	case policy.ToolCommsPost:
		a, err := decodeValid[commsPostArgs](args)
		if err != nil {
			return nil, err
		}
		return h.postMessage(ctx, a, auth)

	default:
		return nil, protocol.ErrUnknownTool(name)
	}
}

type validator interface {
	validate() error
}

func decodeValid[T validator](args any) (T, error) {
	a, err := decode[T](args)
	if err != nil {
		return a, err
	}
	return a, a.validate()
}

// mapStoreErr converts store lookup failures into their protocol error.
func mapStoreErr(err error) error {
	var nf *session.ErrNotFound
	if errors.As(err, &nf) {
		return protocol.ErrSessionNotFound(nf.ID)
	}
	return err
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
