package middlewares

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/invoice_backend/config"
	"github.com/mmdatafocus/invoice_backend/utils"
	"github.com/redis/go-redis/v9"
)

type session struct {
	UserId   int    `json:"user_id"`
	UserName string `json:"user_name"`
}

// SessionMiddleware resolves the "token" header against the session store and puts the
// acting user into the request context. Requests without a token run as the system.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		rdb := config.GetRedisDB()
		if rdb == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
			return
		}
		raw, err := rdb.Get(c.Request.Context(), "Token:"+token).Bytes()
		if errors.Is(err, redis.Nil) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
			return
		}

		var s session
		if err := utils.UnmarshalFromJSON(raw, &s); err != nil || s.UserId <= 0 {
			// plain user id values are also accepted
			id, convErr := strconv.Atoi(string(raw))
			if convErr != nil || id <= 0 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			s = session{UserId: id}
		}

		ctx := utils.SetUserIdInContext(c.Request.Context(), s.UserId)
		if s.UserName != "" {
			ctx = utils.SetUserNameInContext(ctx, s.UserName)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
