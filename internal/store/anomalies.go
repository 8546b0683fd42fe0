package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
)

// CreateAnomaly inserts the anomaly and flags its ratings in one transaction.
// RatingIDs are stored sorted.
func (s *SQLStore) CreateAnomaly(ctx context.Context, a *Anomaly) error {
	ids := append([]string(nil), a.RatingIDs...)
	sort.Strings(ids)
	a.RatingIDs = ids
	idsJSON, _ := json.Marshal(ids)
	a.RatingIDsJSON = string(idsJSON)

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO anomalies (id, source_id, type, rating_ids, detected_at, resolved, resolution)
			VALUES (?, ?, ?, ?, ?, ?, '')
		`), a.ID, a.SourceID, a.Type, a.RatingIDsJSON, a.DetectedAt.UTC(), false)
		if err != nil {
			return fmt.Errorf("insert anomaly %s: %w", a.SourceID, err)
		}
		if len(ids) == 0 {
			return nil
		}

		query, args, err := sqlx.In(
			"UPDATE ratings SET flagged = ?, flag_reason = ? WHERE source_id = ? AND id IN (?)",
			true, string(a.Type), a.SourceID, ids)
		if err != nil {
			return fmt.Errorf("build flag query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("flag ratings %s: %w", a.SourceID, err)
		}
		return nil
	})
}

func (s *SQLStore) GetAnomaly(ctx context.Context, id string) (*Anomaly, error) {
	var a Anomaly
	err := s.db.GetContext(ctx, &a, s.q("SELECT * FROM anomalies WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get anomaly %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get anomaly %s: %w", id, err)
	}
	if err := a.decodeRatingIDs(); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLStore) ListAnomalies(ctx context.Context, sourceID string, openOnly bool) ([]Anomaly, error) {
	var anomalies []Anomaly
	if err := selectAnomalies(ctx, s.db, &anomalies, sourceID, openOnly); err != nil {
		return nil, err
	}
	return anomalies, nil
}

func selectAnomalies(ctx context.Context, q sqlx.ExtContext, dest *[]Anomaly, sourceID string, openOnly bool) error {
	query := "SELECT * FROM anomalies WHERE source_id = ?"
	args := []any{sourceID}
	if openOnly {
		query += " AND resolved = ?"
		args = append(args, false)
	}
	query += " ORDER BY detected_at DESC, id"

	if err := sqlx.SelectContext(ctx, q, dest, q.Rebind(query), args...); err != nil {
		return fmt.Errorf("list anomalies %s: %w", sourceID, err)
	}
	for i := range *dest {
		if err := (*dest)[i].decodeRatingIDs(); err != nil {
			return err
		}
	}
	return nil
}

func (a *Anomaly) decodeRatingIDs() error {
	if err := json.Unmarshal([]byte(a.RatingIDsJSON), &a.RatingIDs); err != nil {
		return fmt.Errorf("decode rating ids of anomaly %s: %w", a.ID, err)
	}
	return nil
}

// ResolveAnomaly marks the anomaly resolved and applies the rating side
// effects of the resolution. Resolving twice returns ErrConflict.
func (s *SQLStore) ResolveAnomaly(ctx context.Context, r Resolution) (*Anomaly, error) {
	var a Anomaly
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &a, tx.Rebind("SELECT * FROM anomalies WHERE id = ?"), r.AnomalyID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("resolve anomaly %s: %w", r.AnomalyID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("resolve anomaly %s: %w", r.AnomalyID, err)
		}
		if err := a.decodeRatingIDs(); err != nil {
			return err
		}

		at := r.At.UTC()
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE anomalies SET resolved = ?, resolution = ?, resolved_at = ?
			WHERE id = ? AND resolved = ?
		`), true, r.Action, at, a.ID, false)
		if err != nil {
			return fmt.Errorf("resolve anomaly %s: %w", a.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("resolve anomaly %s: %w", a.ID, ErrConflict)
		}
		a.Resolved = true
		a.Resolution = r.Action
		a.ResolvedAt = &at

		if len(a.RatingIDs) == 0 {
			return nil
		}

		if r.Weight != nil {
			query, args, err := sqlx.In("UPDATE ratings SET weight = ? WHERE id IN (?)", *r.Weight, a.RatingIDs)
			if err != nil {
				return fmt.Errorf("build reweight query: %w", err)
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
				return fmt.Errorf("reweight ratings %s: %w", a.ID, err)
			}
		}

		if p := r.Penalty; p != nil {
			query, args, err := sqlx.In(`
				UPDATE raters SET trust_score = CASE
					WHEN trust_score + ? > ? THEN ?
					WHEN trust_score + ? < ? THEN ?
					ELSE trust_score + ?
				END
				WHERE id IN (SELECT rater_id FROM ratings WHERE id IN (?))
			`, p.Delta, p.Max, p.Max, p.Delta, p.Min, p.Min, p.Delta, a.RatingIDs)
			if err != nil {
				return fmt.Errorf("build penalty query: %w", err)
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
				return fmt.Errorf("penalize raters %s: %w", a.ID, err)
			}
		}

		if !r.Unflag {
			return nil
		}

		// Ratings still covered by another open anomaly stay flagged.
		var open []Anomaly
		if err := selectAnomalies(ctx, tx, &open, a.SourceID, true); err != nil {
			return err
		}
		stillFlagged := make(map[string]bool)
		for _, other := range open {
			for _, id := range other.RatingIDs {
				stillFlagged[id] = true
			}
		}
		var unflag []string
		for _, id := range a.RatingIDs {
			if !stillFlagged[id] {
				unflag = append(unflag, id)
			}
		}
		if len(unflag) == 0 {
			return nil
		}

		query, args, err := sqlx.In("UPDATE ratings SET flagged = ?, flag_reason = '' WHERE id IN (?)", false, unflag)
		if err != nil {
			return fmt.Errorf("build unflag query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("unflag ratings %s: %w", a.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}
