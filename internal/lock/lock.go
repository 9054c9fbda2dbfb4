// Package lock provides a short-lived, non-reentrant mutual exclusion
// primitive over a shared key-value store. It guards cache population and
// similar races; inventory counters never go through it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrLockBusy is returned when the lock is still held after the single retry.
// Callers fall back instead of failing.
var ErrLockBusy = errors.New("lock busy")

const DefaultRetryBackoff = 50 * time.Millisecond

// Backend is the store primitive the lock is built on.
type Backend interface {
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, token string) (bool, error)
}

type Service struct {
	backend      Backend
	retryBackoff time.Duration
	logger       *zap.Logger

	mu     sync.Mutex
	tokens map[string]string
}

// NewService creates a lock service. retryBackoff <= 0 uses DefaultRetryBackoff.
func NewService(backend Backend, retryBackoff time.Duration) *Service {
	if retryBackoff <= 0 {
		retryBackoff = DefaultRetryBackoff
	}
	return &Service{
		backend:      backend,
		retryBackoff: retryBackoff,
		logger:       util.GetLogger(),
		tokens:       make(map[string]string),
	}
}

// TryLock acquires key for timeout. When the key is held it waits the retry
// backoff and tries exactly once more.
func (s *Service) TryLock(ctx context.Context, key string, timeout time.Duration) (bool, error) {
	token, err := s.acquire(ctx, key, timeout)
	if err != nil || token == "" {
		return false, err
	}

	s.mu.Lock()
	s.tokens[key] = token
	s.mu.Unlock()
	return true, nil
}

// Unlock releases the lock taken by the latest TryLock on key in this
// service. Unknown keys are ignored.
func (s *Service) Unlock(ctx context.Context, key string) error {
	s.mu.Lock()
	token, ok := s.tokens[key]
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return s.release(ctx, key, token)
}

// acquire returns the token of the new lease, or "" when key stayed busy.
func (s *Service) acquire(ctx context.Context, key string, timeout time.Duration) (string, error) {
	token := uuid.New().String()

	ok, err := s.backend.AcquireLock(ctx, key, token, timeout)
	if err != nil {
		return "", fmt.Errorf("acquire lock %s: %w", key, err)
	}

	if !ok {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.retryBackoff):
		}

		ok, err = s.backend.AcquireLock(ctx, key, token, timeout)
		if err != nil {
			return "", fmt.Errorf("acquire lock %s: %w", key, err)
		}
	}

	if !ok {
		util.LockAcquisitionsTotal.WithLabelValues("busy").Inc()
		return "", nil
	}

	util.LockAcquisitionsTotal.WithLabelValues("acquired").Inc()
	return token, nil
}

// release drops the lease identified by token. A newer lease on the same key
// is left alone, both in the backend and in the token map.
func (s *Service) release(ctx context.Context, key, token string) error {
	s.mu.Lock()
	if s.tokens[key] == token {
		delete(s.tokens, key)
	}
	s.mu.Unlock()

	released, err := s.backend.ReleaseLock(ctx, key, token)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if !released {
		s.logger.Warn("Lock expired before release", zap.String("key", key))
	}
	return nil
}

// ExecuteWithLock runs action while holding key. The lock is released on
// every exit path, panics included. ErrLockBusy means action did not run.
func ExecuteWithLock[T any](ctx context.Context, s *Service, key string, timeout time.Duration, action func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	token, err := s.acquire(ctx, key, timeout)
	if err != nil {
		return zero, err
	}
	if token == "" {
		return zero, ErrLockBusy
	}

	defer func() {
		// release even if ctx was cancelled by the action
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := s.release(releaseCtx, key, token); err != nil {
			s.logger.Error("Failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}()

	return action(ctx)
}
