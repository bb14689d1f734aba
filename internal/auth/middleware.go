package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/karmaguard/internal/logging"
)

// ContextKeyClient holds the authenticated *Client in the gin context.
const ContextKeyClient = "authClient"

// QueryParam carries the key where headers cannot be set, as on browser
// WebSocket upgrades.
const QueryParam = "api_key"

// Option configures RequireKey.
type Option func(*options)

type options struct {
	allowQuery bool
}

// AllowQuery also accepts the key from the api_key query parameter.
func AllowQuery() Option {
	return func(o *options) { o.allowQuery = true }
}

// RequireKey rejects requests without a valid key. Everything passes when
// the keyring is empty.
func RequireKey(k *Keyring, opts ...Option) gin.HandlerFunc {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return func(c *gin.Context) {
		if !k.Enabled() {
			c.Next()
			return
		}

		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}
		if raw == "" && o.allowQuery {
			raw = c.Query(QueryParam)
		}

		client, err := k.Validate(raw)
		if err != nil {
			logging.L(c.Request.Context()).Warn("rejected API request", "reason", err.Error(), "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer kg_...' or 'X-API-Key' header.",
			})
			return
		}

		c.Set(ContextKeyClient, client)
		ctx := c.Request.Context()
		ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("client", client.Name))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// ClientFrom returns the authenticated client, if any.
func ClientFrom(c *gin.Context) (*Client, bool) {
	v, ok := c.Get(ContextKeyClient)
	if !ok {
		return nil, false
	}
	client, ok := v.(*Client)
	return client, ok
}
