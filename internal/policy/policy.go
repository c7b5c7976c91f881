// Package policy decides who may do what: it verifies bearer tokens, screens
// tool invocation per role, checks write-fence ownership and validates
// browser origins for the network transport.
package policy

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/apogee-dev/apogee-mcp/internal/protocol"
	"github.com/apogee-dev/apogee-mcp/internal/session"
)

// Context is the per-request authorization context. It is ephemeral: derived
// from a verified token (HTTP) or from process configuration (stdio), never
// stored.
type Context struct {
	Role      session.AgentRole
	SessionID string
	ClientID  string
	Scopes    []string
}

// Tool names screened by the enforcer. Kept in one place so the policy and
// the catalog cannot drift apart silently.
const (
	ToolTodoUpdate = "apogee.todo.update"
	ToolFenceSet   = "apogee.fence.set"
	ToolPatchApply = "apogee.patch.apply"
	ToolDBMigrate  = "apogee.db.migrate"
	ToolSQLExec    = "apogee.sql.exec"
	ToolCommsPost  = "apogee.comms.post"
)

var allowedOrigins = []string{
	"https://claude.ai",
	"https://cursor.sh",
	"https://api.openai.com",
	"http://localhost",
	"http://127.0.0.1",
}

var loopbackOrigin = regexp.MustCompile(`^http://(localhost|127\.0\.0\.1):\d+$`)

// Enforcer verifies identity and applies the role policy. The zero value is
// not usable; construct with New.
type Enforcer struct {
	secret []byte
}

// New returns an enforcer that validates HMAC-signed tokens with secret.
func New(secret string) *Enforcer {
	return &Enforcer{secret: []byte(secret)}
}

// VerifyToken parses and validates a bearer token and derives the request's
// authorization context from its claims.
func (e *Enforcer) VerifyToken(token string) (*Context, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return e.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, protocol.ErrInvalidToken(err.Error())
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, protocol.ErrInvalidToken("unexpected claims type")
	}

	role, _ := claims["role"].(string)
	if !session.AgentRole(role).Valid() {
		return nil, protocol.ErrInvalidToken(fmt.Sprintf("unknown role %q", role))
	}
	sessionID, _ := claims["sessionId"].(string)
	clientID, _ := claims["clientId"].(string)

	var scopes []string
	if raw, ok := claims["scopes"].([]any); ok {
		for _, s := range raw {
			if str, ok := s.(string); ok {
				scopes = append(scopes, str)
			}
		}
	}

	return &Context{
		Role:      session.AgentRole(role),
		SessionID: sessionID,
		ClientID:  clientID,
		Scopes:    scopes,
	}, nil
}

// CanInvokeTool reports whether the role may invoke the named tool. Fence
// ownership is checked at the point of mutation, not here.
func (e *Enforcer) CanInvokeTool(ctx *Context, tool string) bool {
	switch tool {
	case ToolDBMigrate, ToolSQLExec:
		return ctx.Role == session.RolePlanner
	case ToolTodoUpdate, ToolFenceSet, ToolPatchApply, ToolCommsPost:
		return true
	default:
		return false
	}
}

// CanMutateUnderFence reports whether the caller currently holds the write
// fence.
func (e *Enforcer) CanMutateUnderFence(ctx *Context, owner session.AgentRole) bool {
	return ctx.Role == owner
}

// ValidateOrigin accepts the fixed allow-list plus any loopback origin with
// an explicit port. An absent origin is rejected. Matching is exact per
// origin, never prefix-based, so http://localhost.evil.com does not pass as
// http://localhost.
func (e *Enforcer) ValidateOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range allowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return loopbackOrigin.MatchString(origin)
}

// LocalContext derives an authorization context from process environment for
// the stdio transport. No cryptographic check applies in this mode.
func (e *Enforcer) LocalContext(defaultRole session.AgentRole) *Context {
	role := session.AgentRole(os.Getenv("APOGEE_ROLE"))
	if !role.Valid() {
		role = defaultRole
	}
	if !role.Valid() {
		role = session.RoleImplementer
	}
	sessionID := os.Getenv("APOGEE_SESSION_ID")
	if sessionID == "" {
		sessionID = "stdio-session"
	}
	return &Context{
		Role:      role,
		SessionID: sessionID,
		ClientID:  "stdio-client",
	}
}

// IssueDevToken mints a 24h development token with role-appropriate scopes.
// Production credentials come from the identity provider, not from here.
func (e *Enforcer) IssueDevToken(role session.AgentRole, sessionID, clientID string) (string, error) {
	scopes := []string{"code:apply"}
	if role == session.RolePlanner {
		scopes = []string{"db:migrate", "db:exec"}
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"role":      string(role),
		"sessionId": sessionID,
		"clientId":  clientID,
		"scopes":    scopes,
		"iat":       now.Unix(),
		"exp":       now.Add(24 * time.Hour).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(e.secret)
}
