package auth

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	httperrors "github.com/gokatarajesh/daily-quiz/pkg/http/errors"
)

// AdminKeyHeader carries the operator key on admin requests.
const AdminKeyHeader = "X-Admin-Key"

const (
	minAdminKeyLength = 16
	bcryptCost        = 12
)

var ErrAdminKeyTooShort = errors.New("admin key must be at least 16 characters")

// HashAdminKey creates the bcrypt hash stored in ADMIN_KEY_HASH.
func HashAdminKey(key string) (string, error) {
	if len(key) < minAdminKeyLength {
		return "", ErrAdminKeyTooShort
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcryptCost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}

// VerifyAdminKey checks key against hash.
func VerifyAdminKey(hash, key string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key))
}

// AdminGuard admits requests whose X-Admin-Key matches keyHash. An empty hash disables the
// admin surface entirely.
func AdminGuard(keyHash string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keyHash == "" {
				httperrors.RespondForbidden(w, httperrors.ErrCodeForbidden, "Admin API disabled")
				return
			}
			key := r.Header.Get(AdminKeyHeader)
			if key == "" {
				httperrors.RespondUnauthorized(w, httperrors.ErrCodeAuthenticationRequired, "Admin key required")
				return
			}
			if err := VerifyAdminKey(keyHash, key); err != nil {
				logger.Warn().Str("path", r.URL.Path).Msg("admin key rejected")
				httperrors.RespondForbidden(w, httperrors.ErrCodeForbidden, "Invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
