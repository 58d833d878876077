package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentloop/internal/database"
	"gorm.io/gorm"
)

// RunRecord is the table row behind SQLRunStore. Payload holds the full
// snapshot as JSON; the other columns exist for filtering.
type RunRecord struct {
	RunID     string    `gorm:"primaryKey;size:64"`
	Kind      string    `gorm:"size:16;index"`
	Name      string    `gorm:"size:255;index"`
	Status    string    `gorm:"size:32;index"`
	Payload   string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// TableName implements gorm's tabler.
func (RunRecord) TableName() string { return "agentloop_runs" }

// SQLRunStore persists snapshots through GORM.
type SQLRunStore struct {
	pool *database.PoolManager
}

// NewSQLRunStore migrates the runs table and returns a store.
func NewSQLRunStore(ctx context.Context, pool *database.PoolManager) (*SQLRunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidInput)
	}
	if err := pool.DB().WithContext(ctx).AutoMigrate(&RunRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate runs table: %w", err)
	}
	return &SQLRunStore{pool: pool}, nil
}

func (s *SQLRunStore) Close() error {
	return s.pool.Close()
}

func (s *SQLRunStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *SQLRunStore) Save(ctx context.Context, snap *RunSnapshot) error {
	if snap == nil || snap.RunID == "" {
		return prepare(snap, time.Time{})
	}
	return s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		var existing RunRecord
		var created time.Time
		err := tx.Select("payload").First(&existing, "run_id = ?", snap.RunID).Error
		switch {
		case err == nil:
			// column precision varies by driver; the payload keeps nanoseconds
			if prev, derr := decode([]byte(existing.Payload)); derr == nil {
				created = prev.CreatedAt
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		if err := prepare(snap, created); err != nil {
			return err
		}
		data, err := encode(snap)
		if err != nil {
			return err
		}
		rec := RunRecord{
			RunID:     snap.RunID,
			Kind:      string(snap.Kind),
			Name:      snap.Name,
			Status:    snap.Status,
			Payload:   string(data),
			CreatedAt: snap.CreatedAt,
			UpdatedAt: snap.UpdatedAt,
		}
		return tx.Save(&rec).Error
	})
}

func (s *SQLRunStore) Load(ctx context.Context, runID string) (*RunSnapshot, error) {
	var rec RunRecord
	err := s.pool.DB().WithContext(ctx).First(&rec, "run_id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode([]byte(rec.Payload))
}

func (s *SQLRunStore) List(ctx context.Context, opts ListOptions) ([]*RunSnapshot, error) {
	q := s.pool.DB().WithContext(ctx).Model(&RunRecord{})
	if opts.Kind != "" {
		q = q.Where("kind = ?", string(opts.Kind))
	}
	if opts.Name != "" {
		q = q.Where("name = ?", opts.Name)
	}
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}
	q = q.Order("created_at desc").Order("run_id asc")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var recs []RunRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*RunSnapshot, 0, len(recs))
	for _, rec := range recs {
		snap, err := decode([]byte(rec.Payload))
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *SQLRunStore) Delete(ctx context.Context, runID string) error {
	res := s.pool.DB().WithContext(ctx).Delete(&RunRecord{}, "run_id = ?", runID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
