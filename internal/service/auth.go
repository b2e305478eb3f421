// Package service holds the sync server's business logic. Persistence is
// reached through repository interfaces.
package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidLogin is returned for logins that cannot be a certificate
// common name.
var ErrInvalidLogin = errors.New("invalid login")

var loginPattern = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,64}$`)

// AuthRepository defines the persistence operations
// required by the authentication service.
type AuthRepository interface {
	// UserExists returns true if a user with the given login exists.
	UserExists(ctx context.Context, login string) (bool, error)
	// RegisterUser creates a new user record with the given login.
	RegisterUser(ctx context.Context, login string) error
}

// AuthService enrolls users.
type AuthService struct {
	repo AuthRepository
}

// NewAuthService constructs an AuthService on repo.
func NewAuthService(repo AuthRepository) *AuthService {
	return &AuthService{repo: repo}
}

// ValidateLogin rejects logins that are empty, too long or contain
// characters outside [A-Za-z0-9._@-].
func ValidateLogin(login string) error {
	if !loginPattern.MatchString(login) {
		return fmt.Errorf("%w: %q", ErrInvalidLogin, login)
	}
	return nil
}

// UserExists checks whether login is enrolled.
func (s *AuthService) UserExists(ctx context.Context, login string) (bool, error) {
	if err := ValidateLogin(login); err != nil {
		return false, err
	}
	return s.repo.UserExists(ctx, login)
}

// RegisterUser enrolls login.
func (s *AuthService) RegisterUser(ctx context.Context, login string) error {
	if err := ValidateLogin(login); err != nil {
		return err
	}
	return s.repo.RegisterUser(ctx, login)
}
