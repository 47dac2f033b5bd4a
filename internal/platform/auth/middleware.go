package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type identityKey struct{}

// Identity is the authenticated caller.
type Identity struct {
	Subject string
	Roles   []string
	Scopes  []string
}

// Claims is the access token payload. Identity is issued elsewhere; this
// service only reads the subject, roles and ingestion scopes.
type Claims struct {
	jwt.RegisteredClaims
	Roles  []string `json:"roles"`
	Scopes []string `json:"scopes"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey is used for development/testing only
	SigningKey []byte
	// Skipper bypasses authentication for matching requests.
	Skipper func(echo.Context) bool
}

// JWTMiddleware validates bearer tokens and stores the caller's subject,
// roles and scopes on the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	keys := NewJWKSCache(cfg.JWKSURL, 0)
	methods := []string{"RS256", "ES256"}
	if len(cfg.SigningKey) > 0 {
		methods = []string{"HS256"}
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods(methods), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			raw, err := bearerToken(c.Request())
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			ctx := c.Request().Context()
			claims := &Claims{}
			_, err = jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
				if len(cfg.SigningKey) > 0 {
					return cfg.SigningKey, nil
				}
				kid, _ := t.Header["kid"].(string)
				if kid == "" {
					return nil, errors.New("token has no kid header")
				}
				return keys.Key(ctx, kid)
			}, opts...)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.SetRequest(c.Request().WithContext(WithIdentity(ctx, claims.Subject, claims.Roles, claims.Scopes)))
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", errors.New("invalid authorization format")
	}
	return token, nil
}

// DevAuthMiddleware is a permissive middleware for development. Requests
// without a token run as an admin holding every ingestion scope.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") == "" {
				ctx := WithIdentity(c.Request().Context(), "dev-user", []string{RoleAdmin}, []string{"hl7/*.*"})
				c.SetRequest(c.Request().WithContext(ctx))
			}
			return next(c)
		}
	}
}

// WithIdentity returns ctx carrying a caller identity. Non-HTTP entry points
// such as the MLLP listener use it to act as a service principal.
func WithIdentity(ctx context.Context, subject string, roles, scopes []string) context.Context {
	return context.WithValue(ctx, identityKey{}, Identity{Subject: subject, Roles: roles, Scopes: scopes})
}

// IdentityFromContext returns the caller, or the zero Identity when the
// request is unauthenticated.
func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}

func UserIDFromContext(ctx context.Context) string { return IdentityFromContext(ctx).Subject }

func RolesFromContext(ctx context.Context) []string { return IdentityFromContext(ctx).Roles }

func ScopesFromContext(ctx context.Context) []string { return IdentityFromContext(ctx).Scopes }
