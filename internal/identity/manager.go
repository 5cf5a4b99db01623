// Package identity resolves the opaque identity string a client presents to the backend. It prefers an
// authenticated identity, provisions an anonymous one when there is none, and can always hand out a
// locally minted stopgap identifier without touching the network.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Store is the durable key-value storage backing the cached identity material, the equivalent of the
// browser's local storage for one client profile.
type Store interface {
	// Get returns the value stored under key, or an empty string if there is none.
	Get(key string) (string, error)
	Set(key, value string) error
	// Clear erases every key held by the store.
	Clear() error
}

// Backend is an auth-capable backend that can report the currently authenticated user and issue
// anonymous identities.
type Backend interface {
	// CurrentUser returns the identity of the authenticated session, or an empty string if there is none.
	CurrentUser(ctx context.Context) (string, error)
	SignInAnonymously(ctx context.Context) (string, error)
	SignOut(ctx context.Context) error
}

// ReconcileMode selects what happens to a locally minted stopgap identity once the backend issues an
// authoritative one.
type ReconcileMode int

const (
	// ReconcileNone leaves the stopgap identity untouched. Data written under it stays unlinked from the
	// backend identity.
	ReconcileNone ReconcileMode = iota
	// ReconcileAdopt overwrites the stopgap identity with the backend identity, so every later synchronous
	// lookup returns the authoritative value even after the backend cache entry is gone.
	ReconcileAdopt
)

// ParseReconcileMode parses the textual form used in configuration files.
func ParseReconcileMode(s string) (ReconcileMode, error) {
	switch s {
	case "", "none":
		return ReconcileNone, nil
	case "adopt":
		return ReconcileAdopt, nil
	default:
		return ReconcileNone, fmt.Errorf("unknown reconcile mode: %s", s)
	}
}

// Store keys shared with other users of the same Store.
const (
	BackendIdentityKey = "gram_user_id"
	LocalIdentityKey   = "gram_session_id"
)

// ErrIdentityUnavailable is returned when no identity could be obtained from the backend. It is
// recoverable: the caller should surface a "could not start session" state and may retry.
var ErrIdentityUnavailable = errors.New("identity unavailable")

// Options configures a Manager.
type Options struct {
	Reconcile ReconcileMode
	Logger    *slog.Logger
}

// Manager produces a stable identity string for use as a request credential. It hides from the caller
// whether the identity comes from an authenticated session, a fresh anonymous sign-in or a local stopgap.
type Manager struct {
	store     Store
	backend   Backend
	reconcile ReconcileMode

	// mu serializes provisioning so concurrent callers never sign in twice.
	mu sync.Mutex

	logger *slog.Logger
}

// NewManager creates a Manager caching identities in store and provisioning them through backend.
func NewManager(store Store, backend Backend, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		backend:   backend,
		reconcile: opts.Reconcile,
		logger:    logger.With(slog.String("module", "identity")),
	}
}

// EnsureIdentity returns the authenticated identity, signing in anonymously when there is none. On
// success the identity is cached for GetCachedIdentitySync. Any backend failure is reported as
// ErrIdentityUnavailable and never treated as success.
func (m *Manager) EnsureIdentity(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.backend.CurrentUser(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: failed to get current user: %w", ErrIdentityUnavailable, err)
	}

	if id == "" {
		id, err = m.backend.SignInAnonymously(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: failed to sign in anonymously: %w", ErrIdentityUnavailable, err)
		}
		if id == "" {
			return "", fmt.Errorf("%w: backend returned an empty identity", ErrIdentityUnavailable)
		}
		m.logger.Info("Provisioned anonymous identity", slog.String("identity", id))
	}

	m.cache(id)

	return id, nil
}

func (m *Manager) cache(id string) {
	if err := m.store.Set(BackendIdentityKey, id); err != nil {
		m.logger.Warn("Failed to cache backend identity",
			slog.String("identity", id),
			slog.String(errLoggerKey, err.Error()))
	}

	if m.reconcile != ReconcileAdopt {
		return
	}

	local, err := m.store.Get(LocalIdentityKey)
	if err != nil || local == id {
		return
	}
	if err := m.store.Set(LocalIdentityKey, id); err != nil {
		m.logger.Warn("Failed to adopt backend identity",
			slog.String("stopgap", local),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	if local != "" {
		m.logger.Debug("Adopted backend identity over stopgap",
			slog.String("stopgap", local),
			slog.String("identity", id))
	}
}

// GetCachedIdentitySync returns a best-effort identity without any network call. It prefers a cached
// backend identity, then a previously minted stopgap, and otherwise mints and persists a new random one.
// The result is never empty, even when the store is failing.
func (m *Manager) GetCachedIdentitySync() string {
	for _, key := range []string{BackendIdentityKey, LocalIdentityKey} {
		id, err := m.store.Get(key)
		if err != nil {
			m.logger.Warn("Failed to read cached identity",
				slog.String("key", key),
				slog.String(errLoggerKey, err.Error()))
			continue
		}
		if id != "" {
			return id
		}
	}

	id := uuid.New().String()
	if err := m.store.Set(LocalIdentityKey, id); err != nil {
		m.logger.Warn("Failed to persist stopgap identity, it will not survive this process",
			slog.String("identity", id),
			slog.String(errLoggerKey, err.Error()))
	}
	return id
}

// ClearIdentity signs out of the backend session and erases all cached identity material. The cache is
// erased even when signing out fails.
func (m *Manager) ClearIdentity(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if err := m.backend.SignOut(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to sign out: %w", err))
	}
	if err := m.store.Clear(); err != nil {
		errs = append(errs, fmt.Errorf("failed to clear identity store: %w", err))
	}
	return errors.Join(errs...)
}

const errLoggerKey = "err"
