package push

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/storage"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrInvalidToken = errors.New("invalid delivery token")

type tokenRecord struct {
	Token     string `gorm:"primaryKey"`
	UserID    string `gorm:"index;not null"`
	CreatedAt time.Time
}

func (tokenRecord) TableName() string {
	return "push_tokens"
}

// Registry keeps the delivery tokens that guardians' browsers register for
// push notifications.
type Registry interface {
	Register(ctx context.Context, userID, token string) error
	Unregister(ctx context.Context, token string) error
	TokensFor(ctx context.Context, userID string) ([]string, error)
}

type registry struct {
	db *gorm.DB
}

func NewRegistry(connect storage.ConnectorFunc) (Registry, error) {
	db, _, err := connect()
	if err != nil {
		return nil, err
	}

	if err = db.AutoMigrate(&tokenRecord{}); err != nil {
		return nil, err
	}

	return &registry{db: db}, nil
}

// Register binds a token to a user. A token registered again moves to the
// new user, since a browser only carries one.
func (r *registry) Register(ctx context.Context, userID, token string) error {
	token = strings.TrimSpace(token)
	if token == "" || userID == "" {
		return ErrInvalidToken
	}

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id"}),
	}).Create(&tokenRecord{Token: token, UserID: userID})

	if result.Error != nil {
		return fmt.Errorf("%w: %s", storage.ErrStoreUnavailable, result.Error.Error())
	}

	return nil
}

func (r *registry) Unregister(ctx context.Context, token string) error {
	result := r.db.WithContext(ctx).Delete(&tokenRecord{Token: token})
	if result.Error != nil {
		return fmt.Errorf("%w: %s", storage.ErrStoreUnavailable, result.Error.Error())
	}

	return nil
}

func (r *registry) TokensFor(ctx context.Context, userID string) ([]string, error) {
	records := []tokenRecord{}

	result := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at").Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrStoreUnavailable, result.Error.Error())
	}

	return lo.Map(records, func(t tokenRecord, _ int) string {
		return t.Token
	}), nil
}
