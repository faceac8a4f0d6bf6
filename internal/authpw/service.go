// Package authpw verifies the admin API's basic-auth credentials
// against a bcrypt hash from configuration.
package authpw

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

// Service checks admin credentials. With no hash configured the admin
// surface stays disabled rather than open.
type Service struct {
	user string
	hash []byte
}

func NewService(user, bcryptHash string) *Service {
	return &Service{user: user, hash: []byte(bcryptHash)}
}

// Enabled reports whether admin credentials are configured.
func (s *Service) Enabled() bool {
	return s.user != "" && len(s.hash) > 0
}

// Verify checks a username/password pair. The username comparison is
// constant time so it leaks nothing about the configured name.
func (s *Service) Verify(user, password string) bool {
	if !s.Enabled() {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(user), []byte(s.user)) != 1 {
		// Burn a bcrypt comparison anyway to keep timing flat.
		_ = bcrypt.CompareHashAndPassword(s.hash, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword(s.hash, []byte(password)) == nil
}

// HashPassword produces a bcrypt hash suitable for the configuration
// value, at the default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
