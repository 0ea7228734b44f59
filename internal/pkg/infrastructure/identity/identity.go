package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/logging"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/storage"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrWrongPassword     = errors.New("wrong password")
	ErrInvalidEmail      = errors.New("invalid email")
	ErrTooManyRequests   = errors.New("too many requests")
	ErrUnknown           = errors.New("unknown authentication failure")
	ErrEmailInUse        = errors.New("email already in use")
	ErrWeakPassword      = errors.New("password must be at least 6 characters")
)

const (
	DefaultSessionLifetime = 24 * time.Hour
	minPasswordLength      = 6
)

type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type Session struct {
	ID        string    `json:"id"`
	Identity  Identity  `json:"identity"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionChangeFunc is called with the affected session whenever a session
// is opened (signedIn true) or closed.
type SessionChangeFunc func(session Session, signedIn bool)

type Provider interface {
	SignIn(ctx context.Context, email, password string) (Session, error)
	SignOut(ctx context.Context, sessionID string) error
	Verify(ctx context.Context, token string) (Session, error)
	OnSessionChange(fn SessionChangeFunc)

	CreateAccount(ctx context.Context, email, password string) (Identity, error)
	FindAccount(ctx context.Context, email string) (Identity, error)
	DeleteAccount(ctx context.Context, accountID string) error

	// NewContext returns an independent authentication context whose sessions
	// never affect the sessions of the caller.
	NewContext() Context

	TokenAuth() *jwtauth.JWTAuth
}

// Context is a secondary authentication context. It must always be signed out
// after use.
type Context interface {
	CreateAccount(ctx context.Context, email, password string) (Identity, error)
	SignOut(ctx context.Context) error
}

type account struct {
	ID           string `gorm:"primaryKey"`
	Email        string `gorm:"uniqueIndex"`
	PasswordHash []byte
	CreatedAt    time.Time
}

func (account) TableName() string {
	return "accounts"
}

type sessionRecord struct {
	ID        string `gorm:"primaryKey"`
	AccountID string `gorm:"index"`
	ExpiresAt time.Time
}

func (sessionRecord) TableName() string {
	return "sessions"
}

type provider struct {
	db        *gorm.DB
	tokenAuth *jwtauth.JWTAuth
	lifetime  time.Duration

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	listeners []SessionChangeFunc
}

func New(connect storage.ConnectorFunc, secret string, lifetime time.Duration) (Provider, error) {
	db, _, err := connect()
	if err != nil {
		return nil, err
	}

	if err = db.AutoMigrate(&account{}, &sessionRecord{}); err != nil {
		return nil, err
	}

	if lifetime <= 0 {
		lifetime = DefaultSessionLifetime
	}

	return &provider{
		db:        db,
		tokenAuth: jwtauth.New("HS256", []byte(secret), nil),
		lifetime:  lifetime,
		limiters:  map[string]*rate.Limiter{},
	}, nil
}

func (p *provider) TokenAuth() *jwtauth.JWTAuth {
	return p.tokenAuth
}

func (p *provider) OnSessionChange(fn SessionChangeFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.listeners = append(p.listeners, fn)
}

func (p *provider) notify(session Session, signedIn bool) {
	p.mu.Lock()
	listeners := append([]SessionChangeFunc{}, p.listeners...)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(session, signedIn)
	}
}

// allow throttles sign-in attempts per email address.
func (p *provider) allow(email string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[email]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/5), 5)
		p.limiters[email] = l
	}

	return l.Allow()
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}

	return email, nil
}

func (p *provider) SignIn(ctx context.Context, email, password string) (Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return Session{}, err
	}

	if !p.allow(email) {
		return Session{}, ErrTooManyRequests
	}

	var a account
	result := p.db.WithContext(ctx).First(&a, "email = ?", email)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return Session{}, ErrInvalidCredential
	}
	if result.Error != nil {
		return Session{}, fmt.Errorf("%w: %s", ErrUnknown, result.Error.Error())
	}

	if bcrypt.CompareHashAndPassword(a.PasswordHash, []byte(password)) != nil {
		return Session{}, ErrWrongPassword
	}

	session, err := p.openSession(ctx, Identity{ID: a.ID, Email: a.Email})
	if err != nil {
		return Session{}, err
	}

	log := logging.GetLoggerFromContext(ctx)
	log.Info().Str("accountID", a.ID).Msg("signed in")

	return session, nil
}

func (p *provider) openSession(ctx context.Context, id Identity) (Session, error) {
	now := time.Now().UTC()

	session := Session{
		ID:        uuid.NewString(),
		Identity:  id,
		ExpiresAt: now.Add(p.lifetime),
	}

	claims := map[string]any{
		"sid":   session.ID,
		"email": id.Email,
		"sub":   id.ID,
	}
	jwtauth.SetIssuedAt(claims, now)
	jwtauth.SetExpiry(claims, session.ExpiresAt)

	_, token, err := p.tokenAuth.Encode(claims)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %s", ErrUnknown, err.Error())
	}
	session.Token = token

	result := p.db.WithContext(ctx).Create(&sessionRecord{
		ID:        session.ID,
		AccountID: id.ID,
		ExpiresAt: session.ExpiresAt,
	})
	if result.Error != nil {
		return Session{}, fmt.Errorf("%w: %s", ErrUnknown, result.Error.Error())
	}

	p.notify(session, true)

	return session, nil
}

func (p *provider) SignOut(ctx context.Context, sessionID string) error {
	var s sessionRecord
	result := p.db.WithContext(ctx).First(&s, "id = ?", sessionID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil
	}
	if result.Error != nil {
		return fmt.Errorf("%w: %s", ErrUnknown, result.Error.Error())
	}

	if result = p.db.WithContext(ctx).Delete(&sessionRecord{}, "id = ?", sessionID); result.Error != nil {
		return fmt.Errorf("%w: %s", ErrUnknown, result.Error.Error())
	}

	p.notify(Session{ID: s.ID, Identity: Identity{ID: s.AccountID}, ExpiresAt: s.ExpiresAt}, false)

	return nil
}

func (p *provider) Verify(ctx context.Context, token string) (Session, error) {
	jwt, err := jwtauth.VerifyToken(p.tokenAuth, token)
	if err != nil {
		return Session{}, ErrInvalidCredential
	}

	claims := jwt.PrivateClaims()
	sid, _ := claims["sid"].(string)
	email, _ := claims["email"].(string)

	var s sessionRecord
	result := p.db.WithContext(ctx).First(&s, "id = ?", sid)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return Session{}, ErrInvalidCredential
	}
	if result.Error != nil {
		return Session{}, fmt.Errorf("%w: %s", ErrUnknown, result.Error.Error())
	}

	if s.AccountID != jwt.Subject() || time.Now().UTC().After(s.ExpiresAt) {
		return Session{}, ErrInvalidCredential
	}

	return Session{
		ID:        s.ID,
		Identity:  Identity{ID: s.AccountID, Email: email},
		Token:     token,
		ExpiresAt: s.ExpiresAt,
	}, nil
}

func (p *provider) CreateAccount(ctx context.Context, email, password string) (Identity, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return Identity{}, err
	}

	if _, err = p.FindAccount(ctx, email); err == nil {
		return Identity{}, ErrEmailInUse
	} else if !errors.Is(err, ErrInvalidCredential) {
		return Identity{}, err
	}

	if len(password) < minPasswordLength {
		return Identity{}, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %s", ErrUnknown, err.Error())
	}

	a := account{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
	}

	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if result := tx.Model(&account{}).Where("email = ?", email).Count(&count); result.Error != nil {
			return result.Error
		}
		if count > 0 {
			return ErrEmailInUse
		}
		return tx.Create(&a).Error
	})
	if errors.Is(err, ErrEmailInUse) {
		return Identity{}, err
	}
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %s", ErrUnknown, err.Error())
	}

	return Identity{ID: a.ID, Email: a.Email}, nil
}

func (p *provider) FindAccount(ctx context.Context, email string) (Identity, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return Identity{}, err
	}

	var a account
	result := p.db.WithContext(ctx).First(&a, "email = ?", email)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return Identity{}, ErrInvalidCredential
	}
	if result.Error != nil {
		return Identity{}, fmt.Errorf("%w: %s", ErrUnknown, result.Error.Error())
	}

	return Identity{ID: a.ID, Email: a.Email}, nil
}

// DeleteAccount removes an account together with its open sessions.
func (p *provider) DeleteAccount(ctx context.Context, accountID string) error {
	var sessions []sessionRecord

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if result := tx.Find(&sessions, "account_id = ?", accountID); result.Error != nil {
			return result.Error
		}
		if result := tx.Delete(&sessionRecord{}, "account_id = ?", accountID); result.Error != nil {
			return result.Error
		}
		return tx.Delete(&account{}, "id = ?", accountID).Error
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknown, err.Error())
	}

	for _, s := range sessions {
		p.notify(Session{ID: s.ID, Identity: Identity{ID: s.AccountID}, ExpiresAt: s.ExpiresAt}, false)
	}

	return nil
}

func (p *provider) NewContext() Context {
	return &secondary{p: p}
}

// secondary signs the created account in, like a freshly registered user
// would be, and drops that session again on SignOut.
type secondary struct {
	p       *provider
	session *Session
}

func (s *secondary) CreateAccount(ctx context.Context, email, password string) (Identity, error) {
	id, err := s.p.CreateAccount(ctx, email, password)
	if err != nil {
		return Identity{}, err
	}

	session, err := s.p.openSession(ctx, id)
	if err != nil {
		return id, err
	}
	s.session = &session

	return id, nil
}

func (s *secondary) SignOut(ctx context.Context) error {
	if s.session == nil {
		return nil
	}

	err := s.p.SignOut(ctx, s.session.ID)
	s.session = nil

	return err
}
