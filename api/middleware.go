package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	jwt "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/warp/nutrition-ledger/nutrition"
)

// =============================================================================
// REQUEST LOGGING
// =============================================================================

// RequestLogger logs one line per request with zap.
func RequestLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				fields := []zap.Field{
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("remote_ip", r.RemoteAddr),
				}
				if reqID := middleware.GetReqID(r.Context()); reqID != "" {
					fields = append(fields, zap.String("request_id", reqID))
				}
				logger.Info("request completed", fields...)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// =============================================================================
// IDENTITY
// =============================================================================

type userKey struct{}

// UserHeader carries the user id when a trusted gateway has already
// authenticated the caller.
const UserHeader = "X-User-ID"

// UserFrom returns the caller's identity set by Identity.
func UserFrom(ctx context.Context) (nutrition.UserID, bool) {
	u, ok := ctx.Value(userKey{}).(nutrition.UserID)
	return u, ok && u != ""
}

func withUser(ctx context.Context, u nutrition.UserID) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// Identity resolves the calling user. With a secret it verifies an HMAC
// Bearer token from the identity provider and uses its "sub" claim.
// Without one it trusts the X-User-ID header.
type Identity struct {
	secret []byte
}

func NewIdentity(secret []byte) *Identity {
	return &Identity{secret: secret}
}

func (m *Identity) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var user string
		if len(m.secret) == 0 {
			user = strings.TrimSpace(r.Header.Get(UserHeader))
			if user == "" {
				writeError(w, http.StatusUnauthorized, "missing "+UserHeader+" header", nil)
				return
			}
		} else {
			sub, err := m.subject(r.Header.Get("Authorization"))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token", err)
				return
			}
			user = sub
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), nutrition.UserID(user))))
	})
}

func (m *Identity) subject(authz string) (string, error) {
	if !strings.HasPrefix(authz, "Bearer ") {
		return "", jwt.ErrTokenMalformed
	}
	token, err := jwt.Parse(strings.TrimPrefix(authz, "Bearer "), func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return m.secret, nil
	})
	if err != nil {
		return "", err
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if sub == "" {
		return "", jwt.ErrTokenRequiredClaimMissing
	}
	return sub, nil
}
