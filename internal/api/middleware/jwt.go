package middleware

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/yoockh/audioproctor/internal/models"
	"github.com/yoockh/audioproctor/internal/services"
	"github.com/yoockh/audioproctor/internal/utils"
)

const (
	ctxUser   = "user"
	ctxUserID = "user_id"
	ctxRole   = "role"
)

type apiError struct {
	Code    utils.Code `json:"code"`
	Message string     `json:"message"`
}

type accessClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

type JWTConfig struct {
	Secret   string
	Issuer   string // optional
	Audience string // optional
}

func JWTConfigFromEnv() JWTConfig {
	return JWTConfig{
		Secret:   os.Getenv("JWT_SECRET"),
		Issuer:   os.Getenv("JWT_ISSUER"),
		Audience: os.Getenv("JWT_AUDIENCE"),
	}
}

// bearerToken reads the Authorization header, falling back to ?token= for
// browser websockets which cannot set headers.
func bearerToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(c.Query("token"))
}

func abortAuth(c *gin.Context, status int, code utils.Code, msg string) {
	c.AbortWithStatusJSON(status, apiError{Code: code, Message: msg})
}

// ParseToken validates an HS256 token and returns the user id it carries.
func ParseToken(cfg JWTConfig, raw string) (string, error) {
	claims := &accessClaims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !tok.Valid {
		return "", jwt.ErrTokenSignatureInvalid
	}
	if claims.UserID != "" {
		return claims.UserID, nil
	}
	if claims.Subject != "" {
		return claims.Subject, nil
	}
	return "", jwt.ErrTokenRequiredClaimMissing
}

// JWTAuth authenticates the caller and stores the resolved *models.User.
func JWTAuth(cfg JWTConfig, users services.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Secret == "" {
			abortAuth(c, http.StatusInternalServerError, utils.CodeInternal, "JWT_SECRET is not set")
			return
		}

		raw := bearerToken(c)
		if raw == "" {
			abortAuth(c, http.StatusUnauthorized, utils.CodeUnauthorized, "missing bearer token")
			return
		}

		userID, err := ParseToken(cfg, raw)
		if err != nil {
			abortAuth(c, http.StatusUnauthorized, utils.CodeUnauthorized, "invalid token")
			return
		}

		u, err := users.Lookup(c.Request.Context(), userID)
		if err != nil {
			var msg string
			switch {
			case utils.IsCode(err, utils.CodeForbidden):
				msg = "user account is inactive"
			case utils.IsCode(err, utils.CodeUnauthorized):
				msg = "unknown user"
			default:
				msg = "failed to authenticate"
			}
			abortAuth(c, utils.HTTPStatus(err), utils.CodeUnauthorized, msg)
			return
		}

		SetUser(c, u)
		c.Next()
	}
}

// SetUser attaches the authenticated user to the request context.
func SetUser(c *gin.Context, u *models.User) {
	c.Set(ctxUser, u)
	c.Set(ctxUserID, u.ID)
	c.Set(ctxRole, string(u.Role))
}

// CurrentUser returns the user set by JWTAuth.
func CurrentUser(c *gin.Context) (*models.User, bool) {
	v, ok := c.Get(ctxUser)
	if !ok {
		return nil, false
	}
	u, ok := v.(*models.User)
	return u, ok && u != nil
}
