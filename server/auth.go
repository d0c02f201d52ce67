package server

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyCost is the bcrypt cost of the in-memory API key hash.
const APIKeyCost = bcrypt.DefaultCost

// ErrAPIKeyTooLong is returned for keys bcrypt cannot hash.
var ErrAPIKeyTooLong = errors.New("server: API key longer than 72 bytes")

// APIKeyAuth checks "Authorization: Bearer <key>" against a bcrypt hash
// of the configured key. The plaintext key is not retained.
type APIKeyAuth struct {
	hash   []byte
	logger *zap.Logger
}

// NewAPIKeyAuth hashes key. It returns nil, nil for an empty key, which
// disables authentication.
func NewAPIKeyAuth(key string, logger *zap.Logger) (*APIKeyAuth, error) {
	if key == "" {
		return nil, nil
	}
	if len(key) > 72 {
		return nil, ErrAPIKeyTooLong
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), APIKeyCost)
	if err != nil {
		return nil, err
	}
	return &APIKeyAuth{hash: hash, logger: logger}, nil
}

// Verify reports whether token matches the configured key.
func (a *APIKeyAuth) Verify(token string) bool {
	if token == "" || len(token) > 72 {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.hash, []byte(token)) == nil
}

// Middleware rejects requests without a valid bearer token. A nil
// APIKeyAuth lets every request through.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	if a == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, errTypeAuthentication, "missing bearer token")
			return
		}
		if !a.Verify(token) {
			a.logger.Warn("rejected request with invalid API key",
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", clientIP(r)))
			writeError(w, http.StatusUnauthorized, errTypeAuthentication, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
