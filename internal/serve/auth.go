package serve

// auth.go – the shared-secret gate in front of the proxy.  A request passes
// with HTTP Basic credentials whose password matches, or with the session
// cookie issued on a prior Basic success so browser clients (and the
// payload's WebSocket channel) do not replay the password on every request.

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	sessionCookie = "thunder_session"
	sessionTTL    = 12 * time.Hour
)

type authGate struct {
	password string
	key      []byte // HMAC key derived from the password
}

func newAuthGate(password string) *authGate {
	sum := sha256.Sum256([]byte("thunder-session:" + password))
	return &authGate{password: password, key: sum[:]}
}

// wrap enforces the gate in front of next.
func (g *authGate) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, pass, ok := r.BasicAuth(); ok {
			if subtle.ConstantTimeCompare([]byte(pass), []byte(g.password)) == 1 {
				if token, err := g.issue(); err == nil {
					http.SetCookie(w, &http.Cookie{
						Name:     sessionCookie,
						Value:    token,
						Path:     "/",
						HttpOnly: true,
						SameSite: http.SameSiteLaxMode,
					})
				}
				next.ServeHTTP(w, r)
				return
			}
		}

		if c, err := r.Cookie(sessionCookie); err == nil && g.verify(c.Value) {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="thunder"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}

func (g *authGate) issue() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   "thunder",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.key)
}

func (g *authGate) verify(token string) bool {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return g.key, nil
	})
	return err == nil && parsed.Valid
}
