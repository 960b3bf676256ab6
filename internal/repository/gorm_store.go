package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"conversation-agent/internal/domain"
)

type turnRow struct {
	ID                 string    `gorm:"primaryKey;size:64"`
	UserID             string    `gorm:"size:191;not null;index:idx_turns_user_order,priority:1"`
	Created            time.Time `gorm:"column:created_at;not null;index:idx_turns_user_order,priority:2"`
	Seq                int       `gorm:"not null;default:0;index:idx_turns_user_order,priority:3"`
	Text               string    `gorm:"not null"`
	Status             string    `gorm:"size:16;not null"`
	Response           *string
	Updated            *time.Time `gorm:"column:updated_at"`
	CompactionInFlight *time.Time
}

func (turnRow) TableName() string {
	return "turns"
}

func (r turnRow) toTurn() domain.Turn {
	t := domain.Turn{
		ID:                 r.ID,
		UserID:             r.UserID,
		Text:               r.Text,
		CreatedAt:          r.Created.UTC(),
		Seq:                r.Seq,
		Status:             domain.TurnStatus(r.Status),
		UpdatedAt:          utcPtr(r.Updated),
		CompactionInFlight: utcPtr(r.CompactionInFlight),
	}
	if r.Response != nil {
		t.Response = *r.Response
	}
	return t
}

func turnRowFromTurn(t domain.Turn) turnRow {
	row := turnRow{
		ID:                 t.ID,
		UserID:             t.UserID,
		Created:            t.CreatedAt.UTC(),
		Seq:                t.Seq,
		Text:               t.Text,
		Status:             string(t.Status),
		Updated:            utcPtr(t.UpdatedAt),
		CompactionInFlight: utcPtr(t.CompactionInFlight),
	}
	if t.Response != "" {
		resp := t.Response
		row.Response = &resp
	}
	return row
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// GormStore is a relational turn store for SQLite or Postgres. Unlike the
// DynamoDB client it can run ReplaceBatch inside one transaction.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore wraps an open database and migrates the turns table.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("repository: gorm db must not be nil")
	}
	s := &GormStore{db: db, now: time.Now}
	if err := s.db.AutoMigrate(&turnRow{}); err != nil {
		return nil, fmt.Errorf("repository: migrate turns: %w", err)
	}
	return s, nil
}

func (s *GormStore) SupersedePending(ctx context.Context, userID string) (int, error) {
	res := s.db.WithContext(ctx).Model(&turnRow{}).
		Where("user_id = ? AND status = ?", userID, string(domain.TurnPending)).
		Updates(map[string]any{
			"status":     string(domain.TurnSuperseded),
			"updated_at": s.now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("repository: SupersedePending: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) InsertPending(ctx context.Context, userID, text string, now time.Time) (string, error) {
	row := turnRowFromTurn(domain.Turn{
		ID:        newID(),
		UserID:    userID,
		Text:      text,
		CreatedAt: now,
		Status:    domain.TurnPending,
	})
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("repository: InsertPending: %w", err)
	}
	return row.ID, nil
}

func (s *GormStore) RecentHistory(ctx context.Context, userID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []turnRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").Order("seq DESC").Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("repository: RecentHistory: %w", err)
	}
	turns := make([]domain.Turn, len(rows))
	for i, row := range rows {
		turns[len(rows)-1-i] = row.toTurn()
	}
	return turns, nil
}

func (s *GormStore) CommitReply(ctx context.Context, id, response string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&turnRow{}).
		Where("id = ? AND status = ?", id, string(domain.TurnPending)).
		Updates(map[string]any{
			"status":     string(domain.TurnReplied),
			"response":   response,
			"updated_at": now.UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("repository: CommitReply: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) CommitError(ctx context.Context, id, message string, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&turnRow{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     string(domain.TurnErrored),
			"response":   message,
			"updated_at": now.UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("repository: CommitError: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("repository: CommitError %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *GormStore) MarkCompacting(ctx context.Context, ids []string, now time.Time) error {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&turnRow{}).
			Where("id IN ? AND compaction_in_flight IS NULL", ids).
			Update("compaction_in_flight", now.UTC())
		if res.Error != nil {
			return fmt.Errorf("repository: MarkCompacting: %w", res.Error)
		}
		if res.RowsAffected != int64(len(ids)) {
			return fmt.Errorf("repository: MarkCompacting: %w", ErrCompactionInFlight)
		}
		return nil
	})
}

func (s *GormStore) UnmarkCompacting(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&turnRow{}).
		Where("id IN ?", ids).
		Update("compaction_in_flight", nil).Error
	if err != nil {
		return fmt.Errorf("repository: UnmarkCompacting: %w", err)
	}
	return nil
}

func (s *GormStore) ReplaceBatch(ctx context.Context, userID string, oldIDs []string, newTurns []domain.Turn) error {
	rows := make([]turnRow, 0, len(newTurns))
	for _, t := range newTurns {
		if t.ID == "" {
			t.ID = newID()
		}
		t.UserID = userID
		rows = append(rows, turnRowFromTurn(t))
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(rows) > 0 {
			if err := tx.Create(&rows).Error; err != nil {
				return fmt.Errorf("repository: ReplaceBatch insert: %w", err)
			}
		}
		if len(oldIDs) > 0 {
			err := tx.Where("user_id = ? AND id IN ?", userID, oldIDs).Delete(&turnRow{}).Error
			if err != nil {
				return fmt.Errorf("repository: ReplaceBatch delete: %w", err)
			}
		}
		return nil
	})
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("repository: get sql db: %w", err)
	}
	return sqlDB.Close()
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
