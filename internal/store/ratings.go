package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const dayLayout = "2006-01-02"

func (s *SQLStore) EnsureRater(ctx context.Context, id string, trust float64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO raters (id, trust_score, ratings_today, counter_day, created_at)
		VALUES (?, ?, 0, '', ?)
		ON CONFLICT(id) DO NOTHING
	`), id, trust, at.UTC())
	if err != nil {
		return fmt.Errorf("ensure rater %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) GetRater(ctx context.Context, id string) (*Rater, error) {
	var r Rater
	err := s.db.GetContext(ctx, &r, s.q("SELECT * FROM raters WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get rater %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get rater %s: %w", id, err)
	}
	return &r, nil
}

// AdjustTrust adds delta to the rater's trust score, clamped to [min, max],
// in a single statement.
func (s *SQLStore) AdjustTrust(ctx context.Context, id string, delta, min, max float64) (float64, error) {
	var trust float64
	err := s.db.QueryRowxContext(ctx, s.q(`
		UPDATE raters SET trust_score = CASE
			WHEN trust_score + ? > ? THEN ?
			WHEN trust_score + ? < ? THEN ?
			ELSE trust_score + ?
		END
		WHERE id = ?
		RETURNING trust_score
	`), delta, max, max, delta, min, min, delta, id).Scan(&trust)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("adjust trust %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("adjust trust %s: %w", id, err)
	}
	return trust, nil
}

// SaveRating inserts a new rating or updates the rater's existing rating for
// the source. Only inserts consume the rater's daily quota; the quota check
// and increment are a single conditional UPDATE inside the same transaction.
func (s *SQLStore) SaveRating(ctx context.Context, in RatingInput, maxPerDay int) (*Rating, bool, error) {
	at := in.At.UTC()
	day := at.Format(dayLayout)

	var (
		rating   Rating
		isUpdate bool
	)
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &rating,
			tx.Rebind("SELECT * FROM ratings WHERE source_id = ? AND rater_id = ?"),
			in.SourceID, in.RaterID)
		switch {
		case err == nil:
			isUpdate = true
			_, err = tx.ExecContext(ctx, tx.Rebind(`
				UPDATE ratings SET value = ?, comment = ?, weight = ?, rated_at = ?
				WHERE id = ?
			`), in.Value, in.Comment, in.Weight, at, rating.ID)
			if err != nil {
				return fmt.Errorf("update rating %s: %w", rating.ID, err)
			}
			rating.Value = in.Value
			rating.Comment = in.Comment
			rating.Weight = in.Weight
			rating.RatedAt = at
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("find rating: %w", err)
		}

		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE raters SET
				ratings_today = CASE WHEN counter_day = ? THEN ratings_today + 1 ELSE 1 END,
				counter_day = ?
			WHERE id = ? AND (counter_day <> ? OR ratings_today < ?)
		`), day, day, in.RaterID, day, maxPerDay)
		if err != nil {
			return fmt.Errorf("count rating for %s: %w", in.RaterID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if err := requireRater(ctx, tx, in.RaterID); err != nil {
				return err
			}
			return ErrRateLimited
		}

		rating = Rating{
			ID:        in.ID,
			SourceID:  in.SourceID,
			RaterID:   in.RaterID,
			Value:     in.Value,
			Comment:   in.Comment,
			Weight:    in.Weight,
			CreatedAt: at,
			RatedAt:   at,
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO ratings (id, source_id, rater_id, value, comment, weight, flagged, flag_reason, created_at, rated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, ?)
		`), rating.ID, rating.SourceID, rating.RaterID, rating.Value, rating.Comment,
			rating.Weight, false, rating.CreatedAt, rating.RatedAt)
		if err != nil {
			return fmt.Errorf("insert rating: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &rating, isUpdate, nil
}

func requireRater(ctx context.Context, tx *sqlx.Tx, id string) error {
	var n int
	if err := tx.GetContext(ctx, &n, tx.Rebind("SELECT COUNT(*) FROM raters WHERE id = ?"), id); err != nil {
		return fmt.Errorf("check rater %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("check rater %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) ListRatings(ctx context.Context, sourceID string, limit, offset int) ([]Rating, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var ratings []Rating
	err := s.db.SelectContext(ctx, &ratings, s.q(`
		SELECT * FROM ratings
		WHERE source_id = ?
		ORDER BY rated_at DESC, id
		LIMIT ? OFFSET ?
	`), sourceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list ratings %s: %w", sourceID, err)
	}
	return ratings, nil
}

// SourceRatings returns every rating of the source ordered by first
// submission.
func (s *SQLStore) SourceRatings(ctx context.Context, sourceID string) ([]Rating, error) {
	var ratings []Rating
	err := s.db.SelectContext(ctx, &ratings,
		s.q("SELECT * FROM ratings WHERE source_id = ? ORDER BY created_at, id"), sourceID)
	if err != nil {
		return nil, fmt.Errorf("source ratings %s: %w", sourceID, err)
	}
	return ratings, nil
}

func (s *SQLStore) AddCrossReference(ctx context.Context, ref *CrossReference) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO cross_references (id, source_id, content_id, claim_id, was_accurate, confidence, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), ref.ID, ref.SourceID, ref.ContentID, ref.ClaimID, ref.WasAccurate, ref.Confidence, ref.Note, ref.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert cross reference %s: %w", ref.SourceID, err)
	}
	return nil
}

func (s *SQLStore) CrossReferenceStats(ctx context.Context, sourceID string) (int, int, error) {
	var stats struct {
		Accurate sql.NullInt64 `db:"accurate"`
		Total    int           `db:"total"`
	}
	err := s.db.GetContext(ctx, &stats, s.q(`
		SELECT
			SUM(CASE WHEN was_accurate = ? THEN 1 ELSE 0 END) AS accurate,
			COUNT(*) AS total
		FROM cross_references
		WHERE source_id = ?
	`), true, sourceID)
	if err != nil {
		return 0, 0, fmt.Errorf("cross reference stats %s: %w", sourceID, err)
	}
	return int(stats.Accurate.Int64), stats.Total, nil
}
