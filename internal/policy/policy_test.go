package policy

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apogee-dev/apogee-mcp/internal/protocol"
	"github.com/apogee-dev/apogee-mcp/internal/session"
)

func TestVerifyTokenRoundTrip(t *testing.T) {
	e := New("test-secret")

	token, err := e.IssueDevToken(session.RolePlanner, "sess-1", "client-1")
	require.NoError(t, err)

	ctx, err := e.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, session.RolePlanner, ctx.Role)
	assert.Equal(t, "sess-1", ctx.SessionID)
	assert.Equal(t, "client-1", ctx.ClientID)
	assert.Equal(t, []string{"db:migrate", "db:exec"}, ctx.Scopes)
}

func TestVerifyTokenImplementerScopes(t *testing.T) {
	e := New("test-secret")

	token, err := e.IssueDevToken(session.RoleImplementer, "sess-1", "")
	require.NoError(t, err)

	ctx, err := e.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, []string{"code:apply"}, ctx.Scopes)
}

func TestVerifyTokenFailures(t *testing.T) {
	e := New("test-secret")

	cases := map[string]string{
		"garbage":      "not-a-jwt",
		"empty":        "",
		"wrong secret": mustSign(t, "other-secret", jwt.MapClaims{"role": "planner"}),
		"expired": mustSign(t, "test-secret", jwt.MapClaims{
			"role": "planner",
			"exp":  time.Now().Add(-time.Hour).Unix(),
		}),
		"bad role": mustSign(t, "test-secret", jwt.MapClaims{"role": "auditor"}),
	}

	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.VerifyToken(token)
			require.Error(t, err)
			assert.Equal(t, protocol.CodeInvalidToken, protocol.AsError(err).Code)
		})
	}
}

func mustSign(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestCanInvokeTool(t *testing.T) {
	e := New("s")
	planner := &Context{Role: session.RolePlanner}
	impl := &Context{Role: session.RoleImplementer}

	assert.True(t, e.CanInvokeTool(planner, ToolDBMigrate))
	assert.True(t, e.CanInvokeTool(planner, ToolSQLExec))
	assert.False(t, e.CanInvokeTool(impl, ToolDBMigrate))
	assert.False(t, e.CanInvokeTool(impl, ToolSQLExec))

	for _, tool := range []string{ToolTodoUpdate, ToolFenceSet, ToolPatchApply, ToolCommsPost} {
		assert.True(t, e.CanInvokeTool(planner, tool), tool)
		assert.True(t, e.CanInvokeTool(impl, tool), tool)
	}

	assert.False(t, e.CanInvokeTool(planner, "apogee.unknown"))
}

func TestCanMutateUnderFence(t *testing.T) {
	e := New("s")
	impl := &Context{Role: session.RoleImplementer}

	assert.True(t, e.CanMutateUnderFence(impl, session.RoleImplementer))
	assert.False(t, e.CanMutateUnderFence(impl, session.RolePlanner))
}

func TestValidateOrigin(t *testing.T) {
	e := New("s")

	accepted := []string{
		"https://claude.ai",
		"https://cursor.sh",
		"https://api.openai.com",
		"http://localhost",
		"http://localhost:3000",
		"http://127.0.0.1:8080",
	}
	for _, origin := range accepted {
		assert.True(t, e.ValidateOrigin(origin), origin)
	}

	rejected := []string{
		"",
		"https://evil.example.com",
		"http://localhost.evil.com:80", // not a loopback host
		"https://localhost:3000",       // https loopback is not on the list
	}
	for _, origin := range rejected {
		assert.False(t, e.ValidateOrigin(origin), origin)
	}
}

func TestLocalContext(t *testing.T) {
	e := New("s")

	t.Run("defaults", func(t *testing.T) {
		t.Setenv("APOGEE_ROLE", "")
		t.Setenv("APOGEE_SESSION_ID", "")
		ctx := e.LocalContext("")
		assert.Equal(t, session.RoleImplementer, ctx.Role)
		assert.Equal(t, "stdio-session", ctx.SessionID)
		assert.Equal(t, "stdio-client", ctx.ClientID)
	})

	t.Run("env wins", func(t *testing.T) {
		t.Setenv("APOGEE_ROLE", "planner")
		t.Setenv("APOGEE_SESSION_ID", "env-session")
		ctx := e.LocalContext(session.RoleImplementer)
		assert.Equal(t, session.RolePlanner, ctx.Role)
		assert.Equal(t, "env-session", ctx.SessionID)
	})

	t.Run("configured default", func(t *testing.T) {
		t.Setenv("APOGEE_ROLE", "")
		ctx := e.LocalContext(session.RolePlanner)
		assert.Equal(t, session.RolePlanner, ctx.Role)
	})
}
