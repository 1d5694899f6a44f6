package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/cppla/monascore/models"
)

var (
	// ErrConflict is returned by Add when the address or referral code already exists.
	ErrConflict = errors.New("user already exists")
	// ErrNotFound is returned by Update when the address does not exist.
	ErrNotFound = errors.New("user does not exist")
)

// UserStore persists user records keyed by address, with a secondary lookup by
// referral code. Every call is a single atomic write or read.
type UserStore interface {
	GetByAddress(ctx context.Context, address string) (models.User, bool, error)
	GetByReferralCode(ctx context.Context, code string) (models.User, bool, error)
	Add(ctx context.Context, user models.User) (models.User, error)
	Update(ctx context.Context, user models.User) (models.User, error)
}

// UserRepository is the gorm implementation of UserStore.
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetByAddress returns the user stored under address.
func (r *UserRepository) GetByAddress(ctx context.Context, address string) (models.User, bool, error) {
	return r.first(ctx, "address = ?", address)
}

// GetByReferralCode returns the user owning the referral code.
func (r *UserRepository) GetByReferralCode(ctx context.Context, code string) (models.User, bool, error) {
	if code == "" {
		return models.User{}, false, nil
	}
	return r.first(ctx, "referral_code = ?", code)
}

func (r *UserRepository) first(ctx context.Context, query string, arg string) (models.User, bool, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where(query, arg).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.User{}, false, nil
	}
	if err != nil {
		return models.User{}, false, fmt.Errorf("failed to get user: %w", err)
	}
	return user, true, nil
}

// Add inserts a new user. The primary key and the referral code index are the
// only guard against concurrent registrations of the same address.
func (r *UserRepository) Add(ctx context.Context, user models.User) (models.User, error) {
	if err := r.db.WithContext(ctx).Create(&user).Error; err != nil {
		if isDuplicateKey(err) {
			return models.User{}, fmt.Errorf("%w: %s", ErrConflict, user.Address)
		}
		return models.User{}, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Update overwrites the reconciled columns of an existing user.
func (r *UserRepository) Update(ctx context.Context, user models.User) (models.User, error) {
	user.UpdatedAt = time.Now()
	if user.MessageHistory == nil {
		user.MessageHistory = models.MessageHistory{}
	}
	res := r.db.WithContext(ctx).Model(&models.User{}).
		Where("address = ?", user.Address).
		Select("points", "referral_code", "referrer", "message_history", "last_claim", "registered", "updated_at").
		Updates(&user)
	if res.Error != nil {
		if isDuplicateKey(res.Error) {
			return models.User{}, fmt.Errorf("%w: referral code %s", ErrConflict, user.ReferralCode)
		}
		return models.User{}, fmt.Errorf("failed to update user: %w", res.Error)
	}
	// RowsAffected is unreliable here (mysql reports 0 for a no-op update), so read back instead.
	stored, found, err := r.GetByAddress(ctx, user.Address)
	if err != nil {
		return models.User{}, err
	}
	if !found {
		return models.User{}, fmt.Errorf("%w: %s", ErrNotFound, user.Address)
	}
	return stored, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "unique constraint failed")
}
