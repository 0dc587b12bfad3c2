package access

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
)

var (
	ErrNoKeyConfigured = errors.New("api key hash is not configured")
	ErrInvalidKey      = errors.New("invalid api key")
)

// Servicer проверяет токены устройств
type Servicer interface {
	Validate(ctx context.Context, token string) error
}

// Service сверяет токен с bcrypt-хешем общего ключа API
type Service struct {
	hash []byte
	log  *slog.Logger
}

func NewService(hash string, log *slog.Logger) *Service {
	return &Service{
		hash: []byte(hash),
		log:  log.With(slog.String("component", "access")),
	}
}

func (s *Service) Validate(_ context.Context, token string) error {
	if len(s.hash) == 0 {
		return ErrNoKeyConfigured
	}
	if token == "" {
		return ErrInvalidKey
	}

	err := bcrypt.CompareHashAndPassword(s.hash, []byte(token))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return ErrInvalidKey
	default:
		s.log.Error("api key hash is malformed", slog.String("error", err.Error()))
		return fmt.Errorf("compare api key: %w", err)
	}
}

// HashKey возвращает bcrypt-хеш ключа для API_KEY_HASH
func HashKey(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}
