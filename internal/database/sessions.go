package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"gorm.io/gorm"
)

// SessionRepo is the gorm-backed session store. Missing rows surface as
// errdefs.ErrNotFound and unique-index violations as errdefs.ErrConflict so
// callers never have to know about gorm error types.
type SessionRepo struct {
	db *gorm.DB
}

func NewSessionRepo(db *gorm.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r *SessionRepo) Create(ctx context.Context, s *Session) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session name %q: %w", s.Name, errdefs.ErrConflict)
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (r *SessionRepo) GetByID(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &s, nil
}

func (r *SessionRepo) Update(ctx context.Context, s *Session) error {
	if err := r.db.WithContext(ctx).Save(s).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session name %q: %w", s.Name, errdefs.ErrConflict)
		}
		return fmt.Errorf("update session %s: %w", s.ID, err)
	}
	return nil
}

func (r *SessionRepo) Delete(ctx context.Context, id string) error {
	tx := r.db.WithContext(ctx)
	if err := tx.Where("session_id = ?", id).Delete(&SessionCommand{}).Error; err != nil {
		return fmt.Errorf("delete session commands: %w", err)
	}
	if err := tx.Delete(&Session{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// GetActiveByName returns the single live session with the given name for an
// owner, or ErrNotFound. At most one can exist per the live-name index.
func (r *SessionRepo) GetActiveByName(ctx context.Context, userID, name string) (*Session, error) {
	var s Session
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND name = ? AND is_active = ?", userID, name, true).
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session %q: %w", name, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("get session by name: %w", err)
	}
	return &s, nil
}

func (r *SessionRepo) ListByUser(ctx context.Context, userID string, activeOnly bool, offset, limit int) ([]Session, int64, error) {
	q := r.db.WithContext(ctx).Model(&Session{}).Where("user_id = ?", userID)
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	var sessions []Session
	if err := q.Order("created_at DESC").Offset(offset).Limit(limit).Find(&sessions).Error; err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, total, nil
}

// ListLive returns every session still marked live, across all owners. Used
// by the reconciliation sweep to find records orphaned by a restart.
func (r *SessionRepo) ListLive(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list live sessions: %w", err)
	}
	return sessions, nil
}

// SearchCriteria filters session search. Zero-valued fields are ignored.
type SearchCriteria struct {
	Query       string // matched against name and description
	SessionType string
	Status      string
	ActiveOnly  bool
}

func (r *SessionRepo) Search(ctx context.Context, userID string, c SearchCriteria, offset, limit int) ([]Session, int64, error) {
	q := r.db.WithContext(ctx).Model(&Session{}).Where("user_id = ?", userID)
	if c.Query != "" {
		like := "%" + c.Query + "%"
		q = q.Where("name LIKE ? OR description LIKE ?", like, like)
	}
	if c.SessionType != "" {
		q = q.Where("session_type = ?", c.SessionType)
	}
	if c.Status != "" {
		q = q.Where("status = ?", c.Status)
	}
	if c.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count search results: %w", err)
	}

	var sessions []Session
	if err := q.Order("created_at DESC").Offset(offset).Limit(limit).Find(&sessions).Error; err != nil {
		return nil, 0, fmt.Errorf("search sessions: %w", err)
	}
	return sessions, total, nil
}

func (r *SessionRepo) RecordCommand(ctx context.Context, c *SessionCommand) error {
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("record command: %w", err)
	}
	return nil
}

func (r *SessionRepo) ListCommands(ctx context.Context, sessionID string, offset, limit int) ([]SessionCommand, int64, error) {
	q := r.db.WithContext(ctx).Model(&SessionCommand{}).Where("session_id = ?", sessionID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count commands: %w", err)
	}

	var commands []SessionCommand
	if err := q.Order("started_at DESC").Offset(offset).Limit(limit).Find(&commands).Error; err != nil {
		return nil, 0, fmt.Errorf("list commands: %w", err)
	}
	return commands, total, nil
}

// SessionStats is an aggregate view of one owner's sessions.
type SessionStats struct {
	Total         int64 `json:"total_sessions"`
	Active        int64 `json:"active_sessions"`
	Terminated    int64 `json:"terminated_sessions"`
	Failed        int64 `json:"failed_sessions"`
	TotalCommands int64 `json:"total_commands"`
	TotalSeconds  int64 `json:"total_duration_seconds"`
}

func (r *SessionRepo) UserStats(ctx context.Context, userID string) (*SessionStats, error) {
	tx := r.db.WithContext(ctx).Model(&Session{}).Where("user_id = ?", userID)

	var stats SessionStats
	if err := tx.Count(&stats.Total).Error; err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}

	type row struct {
		Status string
		N      int64
	}
	var rows []row
	if err := r.db.WithContext(ctx).Model(&Session{}).
		Select("status, COUNT(*) AS n").
		Where("user_id = ?", userID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("group sessions by status: %w", err)
	}
	for _, rw := range rows {
		switch rw.Status {
		case StatusPending, StatusConnecting, StatusActive:
			stats.Active += rw.N
		case StatusTerminated:
			stats.Terminated = rw.N
		case StatusFailed:
			stats.Failed = rw.N
		}
	}

	type sums struct {
		Commands int64
		Seconds  int64
	}
	var s sums
	if err := r.db.WithContext(ctx).Model(&Session{}).
		Select("COALESCE(SUM(command_count),0) AS commands, COALESCE(SUM(duration_seconds),0) AS seconds").
		Where("user_id = ?", userID).
		Scan(&s).Error; err != nil {
		return nil, fmt.Errorf("sum session totals: %w", err)
	}
	stats.TotalCommands = s.Commands
	stats.TotalSeconds = s.Seconds

	return &stats, nil
}
