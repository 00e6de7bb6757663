package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	"gorm.io/gorm"
)

// ProfileRepo is the gorm-backed SSH profile store. The session manager only
// needs GetByID; the rest backs the thin profile CRUD surface.
type ProfileRepo struct {
	db *gorm.DB
}

func NewProfileRepo(db *gorm.DB) *ProfileRepo {
	return &ProfileRepo{db: db}
}

func (r *ProfileRepo) Create(ctx context.Context, p *SSHProfile) error {
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("create ssh profile: %w", err)
	}
	return nil
}

func (r *ProfileRepo) GetByID(ctx context.Context, id string) (*SSHProfile, error) {
	var p SSHProfile
	if err := r.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("ssh profile %s: %w", id, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("get ssh profile %s: %w", id, err)
	}
	return &p, nil
}

func (r *ProfileRepo) ListByUser(ctx context.Context, userID string) ([]SSHProfile, error) {
	var profiles []SSHProfile
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("list ssh profiles: %w", err)
	}
	return profiles, nil
}

func (r *ProfileRepo) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&SSHProfile{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete ssh profile %s: %w", id, err)
	}
	return nil
}
