package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

func (s *SQLStore) CreateSource(ctx context.Context, src *Source) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO sources (id, name, feed_url, score, last_content_at, decay_applied, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO NOTHING
	`), src.ID, src.Name, src.FeedURL, src.Score, src.LastContentAt.UTC(), src.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert source %s: %w", src.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("insert source %s: %w", src.ID, ErrConflict)
	}
	return nil
}

func (s *SQLStore) GetSource(ctx context.Context, id string) (*Source, error) {
	var src Source
	err := s.db.GetContext(ctx, &src, s.q("SELECT * FROM sources WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get source %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get source %s: %w", id, err)
	}
	return &src, nil
}

func (s *SQLStore) ListSources(ctx context.Context, limit, offset int) ([]Source, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	var sources []Source
	err := s.db.SelectContext(ctx, &sources,
		s.q("SELECT * FROM sources ORDER BY created_at, id LIMIT ? OFFSET ?"), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return sources, nil
}

func (s *SQLStore) ListStaleSources(ctx context.Context, contentBefore time.Time, maxDecay int) ([]Source, error) {
	var sources []Source
	err := s.db.SelectContext(ctx, &sources, s.q(`
		SELECT * FROM sources
		WHERE last_content_at < ? AND decay_applied < ?
		ORDER BY last_content_at
	`), contentBefore.UTC(), maxDecay)
	if err != nil {
		return nil, fmt.Errorf("list stale sources: %w", err)
	}
	return sources, nil
}

// TouchSource moves last_content_at forward to at. Older timestamps are
// ignored.
func (s *SQLStore) TouchSource(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.q("UPDATE sources SET last_content_at = ? WHERE id = ? AND last_content_at < ?"),
		at.UTC(), id, at.UTC())
	if err != nil {
		return fmt.Errorf("touch source %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetSource(ctx, id); err != nil {
		return err
	}
	return nil
}

func (s *SQLStore) ApplyScore(ctx context.Context, u ScoreUpdate) (*HistoryEntry, error) {
	metaJSON, err := json.Marshal(u.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal history metadata: %w", err)
	}
	if u.Metadata == nil {
		metaJSON = []byte("{}")
	}

	entry := &HistoryEntry{
		ID:           u.EntryID,
		SourceID:     u.SourceID,
		OldScore:     u.OldScore,
		NewScore:     u.NewScore,
		Reason:       u.Reason,
		MetadataJSON: string(metaJSON),
		Metadata:     u.Metadata,
		CreatedAt:    u.At.UTC(),
	}

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		var res sql.Result
		var err error
		// Only applied decay moves the decay clock.
		if u.Decay > 0 {
			res, err = tx.ExecContext(ctx, tx.Rebind(`
				UPDATE sources
				SET score = ?, decay_applied = decay_applied + ?, last_decay_at = ?
				WHERE id = ? AND score = ?
			`), u.NewScore, u.Decay, u.At.UTC(), u.SourceID, u.OldScore)
		} else {
			res, err = tx.ExecContext(ctx,
				tx.Rebind("UPDATE sources SET score = ? WHERE id = ? AND score = ?"),
				u.NewScore, u.SourceID, u.OldScore)
		}
		if err != nil {
			return fmt.Errorf("update score %s: %w", u.SourceID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update score %s: %w", u.SourceID, ErrConflict)
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO reliability_history (id, source_id, old_score, new_score, reason, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`), entry.ID, entry.SourceID, entry.OldScore, entry.NewScore, entry.Reason, entry.MetadataJSON, entry.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert history %s: %w", u.SourceID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *SQLStore) ListHistory(ctx context.Context, sourceID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []HistoryEntry
	err := s.db.SelectContext(ctx, &entries, s.q(`
		SELECT * FROM reliability_history
		WHERE source_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`), sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history %s: %w", sourceID, err)
	}
	for i := range entries {
		if err := json.Unmarshal([]byte(entries[i].MetadataJSON), &entries[i].Metadata); err != nil {
			return nil, fmt.Errorf("decode history metadata %s: %w", entries[i].ID, err)
		}
	}
	return entries, nil
}
