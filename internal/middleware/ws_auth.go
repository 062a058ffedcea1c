package middleware

import (
	"context"

	"elearning/internal/domain"
	"elearning/internal/service"
	"elearning/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	// IdentityKey - ключ identity в gin.Context
	IdentityKey = "identity"

	tokenQueryParam = "token"
)

type identityCtxKey struct{}

func WithIdentity(ctx context.Context, identity domain.Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, identity)
}

// IdentityFrom возвращает identity из контекста; без нее - анонимная
func IdentityFrom(ctx context.Context) domain.Identity {
	if identity, ok := ctx.Value(identityCtxKey{}).(domain.Identity); ok {
		return identity
	}
	return domain.Anonymous()
}

// ConnectionGate аутентифицирует WebSocket рукопожатие по ?token=.
// Заголовки не читаются. Запрос всегда проходит дальше, решение об отказе
// принимает сессия по анонимной identity.
func ConnectionGate(verifier service.TokenVerifier, log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query(tokenQueryParam)

		identity := domain.Anonymous()
		if token != "" {
			identity = verifier.Verify(c.Request.Context(), token)
		}

		if identity.IsAnonymous() {
			log.Debug("Connection is anonymous", "path", c.FullPath(), "token_present", token != "")
		}

		c.Set(IdentityKey, identity)
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), identity))
		c.Next()
	}
}
