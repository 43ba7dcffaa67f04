package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"voicelink/internal/core/services"
	"voicelink/pkg/errors"
	rlog "voicelink/pkg/logger"
)

// DisplayNameKey holds the display name claim, when the token carries one.
const DisplayNameKey = "display_name"

// AuthMiddleware requires a valid HS256 bearer token. Browsers cannot set
// headers on a websocket handshake, so the access_token query parameter is
// accepted as well.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, appErr := bearerToken(c)
		if appErr != nil {
			abortWithError(c, appErr)
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			abortWithError(c, errors.NewUnauthorizedError(err.Error()))
			return
		}

		c.Set(rlog.UserIDKey, claims.UserID)
		c.Set(DisplayNameKey, claims.DisplayName)
		c.Request = c.Request.WithContext(rlog.WithUserID(c.Request.Context(), string(claims.UserID)))
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, *errors.AppError) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if token := c.Query("access_token"); token != "" {
			return token, nil
		}
		return "", errors.NewUnauthorizedError("authorization header required")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", errors.NewUnauthorizedError("invalid authorization header format")
	}
	return parts[1], nil
}

func abortWithError(c *gin.Context, appErr *errors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}
