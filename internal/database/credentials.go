package database

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/joaopcouto/adapsync/internal/model"
)

// CredentialRepository stores calendar credentials, one per user.
type CredentialRepository struct {
	db *gorm.DB
}

// NewCredentialRepository creates a CredentialRepository on db.
func NewCredentialRepository(db *gorm.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// GetCredential returns the user's credential, or nil if none exists.
func (r *CredentialRepository) GetCredential(ctx context.Context, userID string) (*model.CalendarCredential, error) {
	var cred model.CalendarCredential
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting calendar credential for %q: %w", userID, err)
	}
	return &cred, nil
}

// SaveCredential inserts or replaces the user's credential. The argument is
// not modified; UpdatedAt is stamped on a copy.
func (r *CredentialRepository) SaveCredential(ctx context.Context, cred *model.CalendarCredential) error {
	if cred == nil || cred.UserID == "" {
		return errors.New("saving calendar credential: missing user id")
	}
	cp := cred.Clone()
	if err := r.db.WithContext(ctx).Save(cp).Error; err != nil {
		return fmt.Errorf("saving calendar credential for %q: %w", cred.UserID, err)
	}
	return nil
}
