package session

import (
	"context"
	"errors"
	"time"

	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/identity"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/localstate"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/logging"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/storage"
	"github.com/smartstick/guardian-monitor/pkg/types"
)

// ErrProfileMissing is returned for a valid session whose identity has no
// directory record. The session stays usable for the recovery flow.
var ErrProfileMissing = errors.New("no user profile for this account")

const maxCacheAge = 5 * time.Minute

type Session struct {
	ID        string      `json:"id"`
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
	User      *types.User `json:"user,omitempty"`
}

type Manager interface {
	Login(ctx context.Context, email, password string) (Session, error)
	Logout(ctx context.Context, sessionID string) error
	Authenticate(ctx context.Context, token string) (Session, error)
}

type manager struct {
	idp   identity.Provider
	users storage.Reader
	cache localstate.Store
}

func New(ctx context.Context, idp identity.Provider, users storage.Reader, cache localstate.Store) Manager {
	m := &manager{
		idp:   idp,
		users: users,
		cache: cache,
	}

	idp.OnSessionChange(func(s identity.Session, signedIn bool) {
		if signedIn {
			return
		}
		if err := cache.Delete(ctx, localstate.SessionKey(s.ID)); err != nil {
			log := logging.GetLoggerFromContext(ctx)
			log.Warn().Err(err).Msg("failed to drop cached session")
		}
	})

	return m
}

func (m *manager) Login(ctx context.Context, email, password string) (Session, error) {
	s, err := m.idp.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}

	return m.resolve(ctx, s)
}

func (m *manager) Logout(ctx context.Context, sessionID string) error {
	return m.idp.SignOut(ctx, sessionID)
}

func (m *manager) Authenticate(ctx context.Context, token string) (Session, error) {
	s, err := m.idp.Verify(ctx, token)
	if err != nil {
		return Session{}, err
	}

	return m.resolve(ctx, s)
}

// resolve attaches the directory record to an identity session, using the
// session cache when it is warm.
func (m *manager) resolve(ctx context.Context, s identity.Session) (Session, error) {
	session := Session{
		ID:        s.ID,
		Token:     s.Token,
		ExpiresAt: s.ExpiresAt,
	}

	key := localstate.SessionKey(s.ID)

	var cached types.User
	if err := m.cache.Get(ctx, key, &cached); err == nil && cached.ID == s.Identity.ID {
		session.User = &cached
		return session, nil
	}

	user, err := m.users.User(ctx, s.Identity.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return session, ErrProfileMissing
	}
	if err != nil {
		return session, err
	}

	ttl := time.Until(s.ExpiresAt)
	if ttl > maxCacheAge {
		ttl = maxCacheAge
	}

	if err := m.cache.Set(ctx, key, user, ttl); err != nil {
		log := logging.GetLoggerFromContext(ctx)
		log.Warn().Err(err).Msg("failed to cache session")
	}

	session.User = &user
	return session, nil
}
