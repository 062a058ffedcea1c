package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"elearning/internal/domain"
	"elearning/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type stubVerifier struct {
	tokens map[string]*domain.User
	calls  int
}

func (v *stubVerifier) Verify(_ context.Context, token string) domain.Identity {
	v.calls++
	if user, ok := v.tokens[token]; ok {
		return domain.Authenticated(user)
	}
	return domain.Anonymous()
}

type gateResult struct {
	reached     bool
	ginIdentity domain.Identity
	ctxIdentity domain.Identity
}

func runGate(t *testing.T, verifier *stubVerifier, target string, header http.Header) gateResult {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var res gateResult
	router := gin.New()
	router.GET("/ws/chat/:username", ConnectionGate(verifier, logger.Nop()), func(c *gin.Context) {
		res.reached = true
		v, _ := c.Get(IdentityKey)
		res.ginIdentity, _ = v.(domain.Identity)
		res.ctxIdentity = IdentityFrom(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	router.ServeHTTP(httptest.NewRecorder(), req)
	return res
}

func TestConnectionGate(t *testing.T) {
	alice := &domain.User{ID: uuid.New(), Username: "alice", Role: domain.RoleTeacher, IsActive: true}

	t.Run("valid query token resolves identity", func(t *testing.T) {
		req := require.New(t)
		verifier := &stubVerifier{tokens: map[string]*domain.User{"good": alice}}

		res := runGate(t, verifier, "/ws/chat/bob?token=good", nil)
		req.True(res.reached)
		req.False(res.ginIdentity.IsAnonymous())
		req.Equal("alice", res.ginIdentity.Username())
		req.Equal(domain.RoleTeacher, res.ginIdentity.Role)
		req.Equal(res.ginIdentity, res.ctxIdentity)
	})

	t.Run("missing token is anonymous without verification", func(t *testing.T) {
		req := require.New(t)
		verifier := &stubVerifier{}

		res := runGate(t, verifier, "/ws/chat/bob", nil)
		req.True(res.reached)
		req.True(res.ginIdentity.IsAnonymous())
		req.True(res.ctxIdentity.IsAnonymous())
		req.Zero(verifier.calls)
	})

	t.Run("invalid token is indistinguishable from missing", func(t *testing.T) {
		req := require.New(t)
		verifier := &stubVerifier{tokens: map[string]*domain.User{"good": alice}}

		missing := runGate(t, verifier, "/ws/chat/bob", nil)
		invalid := runGate(t, verifier, "/ws/chat/bob?token=forged", nil)
		req.True(invalid.reached)
		req.Equal(missing.ginIdentity, invalid.ginIdentity)
	})

	t.Run("authorization header is ignored", func(t *testing.T) {
		verifier := &stubVerifier{tokens: map[string]*domain.User{"good": alice}}

		res := runGate(t, verifier, "/ws/chat/bob", http.Header{"Authorization": {"Bearer good"}})
		require.True(t, res.ginIdentity.IsAnonymous())
	})
}

func TestIdentityFrom_EmptyContext(t *testing.T) {
	require.True(t, IdentityFrom(context.Background()).IsAnonymous())
}

func TestRedactQuery(t *testing.T) {
	require.Equal(t, "a=1&token=REDACTED", redactQuery("token=secret&a=1"))
	require.Equal(t, "a=1", redactQuery("a=1"))
}
