package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRateLimited is returned by SaveRating when the rater has used up
	// the daily quota of new ratings.
	ErrRateLimited = errors.New("daily rating limit reached")
	// ErrConflict is returned when a write lost a race or would duplicate
	// an existing row.
	ErrConflict = errors.New("conflict")
)

// Reason explains why a source score was recomputed.
type Reason string

const (
	ReasonUserRating        Reason = "user_rating"
	ReasonDecay             Reason = "decay"
	ReasonCrossReference    Reason = "cross_reference"
	ReasonManual            Reason = "manual"
	ReasonAnomalyCorrection Reason = "anomaly_correction"
)

// AnomalyType classifies a detected rating anomaly.
type AnomalyType string

const (
	AnomalySpike        AnomalyType = "spike"
	AnomalyCoordinated  AnomalyType = "coordinated"
	AnomalyBotSuspected AnomalyType = "bot_suspected"
)

// Source is a tracked information origin.
type Source struct {
	ID            string     `db:"id" json:"id"`
	Name          string     `db:"name" json:"name"`
	FeedURL       string     `db:"feed_url" json:"feed_url,omitempty"`
	Score         int        `db:"score" json:"score"`
	LastContentAt time.Time  `db:"last_content_at" json:"last_content_at"`
	DecayApplied  int        `db:"decay_applied" json:"decay_applied"`
	LastDecayAt   *time.Time `db:"last_decay_at" json:"last_decay_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// Rater is the trust profile of a user who rates sources.
type Rater struct {
	ID           string    `db:"id" json:"id"`
	TrustScore   float64   `db:"trust_score" json:"trust_score"`
	RatingsToday int       `db:"ratings_today" json:"ratings_today"`
	CounterDay   string    `db:"counter_day" json:"counter_day"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Rating is a rater's 1-5 judgement of a source. A rater holds at most one
// rating per source.
type Rating struct {
	ID         string    `db:"id" json:"id"`
	SourceID   string    `db:"source_id" json:"source_id"`
	RaterID    string    `db:"rater_id" json:"rater_id"`
	Value      int       `db:"value" json:"value"`
	Comment    string    `db:"comment" json:"comment,omitempty"`
	Weight     float64   `db:"weight" json:"weight"`
	Flagged    bool      `db:"flagged" json:"-"`
	FlagReason string    `db:"flag_reason" json:"-"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	RatedAt    time.Time `db:"rated_at" json:"rated_at"`
}

// CrossReference is an append-only verification outcome for a claim
// attributed to a source.
type CrossReference struct {
	ID          string    `db:"id" json:"id"`
	SourceID    string    `db:"source_id" json:"source_id"`
	ContentID   string    `db:"content_id" json:"content_id"`
	ClaimID     string    `db:"claim_id" json:"claim_id,omitempty"`
	WasAccurate bool      `db:"was_accurate" json:"was_accurate"`
	Confidence  float64   `db:"confidence" json:"confidence"`
	Note        string    `db:"note" json:"note,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Anomaly is a detected manipulation pattern over a set of ratings.
type Anomaly struct {
	ID            string      `db:"id" json:"id"`
	SourceID      string      `db:"source_id" json:"source_id"`
	Type          AnomalyType `db:"type" json:"type"`
	RatingIDsJSON string      `db:"rating_ids" json:"-"`
	RatingIDs     []string    `db:"-" json:"rating_ids"`
	DetectedAt    time.Time   `db:"detected_at" json:"detected_at"`
	Resolved      bool        `db:"resolved" json:"resolved"`
	Resolution    string      `db:"resolution" json:"resolution,omitempty"`
	ResolvedAt    *time.Time  `db:"resolved_at" json:"resolved_at,omitempty"`
}

// HistoryEntry is one audited score change.
type HistoryEntry struct {
	ID           string         `db:"id" json:"id"`
	SourceID     string         `db:"source_id" json:"source_id"`
	OldScore     int            `db:"old_score" json:"old_score"`
	NewScore     int            `db:"new_score" json:"new_score"`
	Reason       Reason         `db:"reason" json:"reason"`
	MetadataJSON string         `db:"metadata" json:"-"`
	Metadata     map[string]any `db:"-" json:"metadata,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}

// RatingInput is a rating submission as seen by the store.
type RatingInput struct {
	ID       string
	SourceID string
	RaterID  string
	Value    int
	Comment  string
	Weight   float64
	At       time.Time
}

// ScoreUpdate is the single write path for a source score. The new score and
// its history entry are persisted together or not at all.
type ScoreUpdate struct {
	EntryID  string
	SourceID string
	OldScore int
	NewScore int
	Reason   Reason
	Metadata map[string]any
	// Decay is added to the source's cumulative decay. A positive Decay
	// also sets last_decay_at to At in the same transaction.
	Decay int
	At    time.Time
}

// Resolution closes an anomaly.
type Resolution struct {
	AnomalyID string
	Action    string
	// Unflag clears the flag on affected ratings that are not covered by
	// another open anomaly.
	Unflag bool
	// Weight, when set, overwrites the weight of the affected ratings.
	Weight *float64
	// Penalty, when set, adjusts the trust of every rater behind the
	// affected ratings in the same transaction.
	Penalty *TrustPenalty
	At      time.Time
}

// TrustPenalty is a trust delta clamped to [Min, Max].
type TrustPenalty struct {
	Delta float64
	Min   float64
	Max   float64
}

// Store is the persistence interface of the reputation engine.
type Store interface {
	CreateSource(ctx context.Context, src *Source) error
	GetSource(ctx context.Context, id string) (*Source, error)
	ListSources(ctx context.Context, limit, offset int) ([]Source, error)
	ListStaleSources(ctx context.Context, contentBefore time.Time, maxDecay int) ([]Source, error)
	TouchSource(ctx context.Context, id string, at time.Time) error
	ApplyScore(ctx context.Context, u ScoreUpdate) (*HistoryEntry, error)
	ListHistory(ctx context.Context, sourceID string, limit int) ([]HistoryEntry, error)

	EnsureRater(ctx context.Context, id string, trust float64, at time.Time) error
	GetRater(ctx context.Context, id string) (*Rater, error)
	AdjustTrust(ctx context.Context, id string, delta, min, max float64) (float64, error)

	SaveRating(ctx context.Context, in RatingInput, maxPerDay int) (*Rating, bool, error)
	ListRatings(ctx context.Context, sourceID string, limit, offset int) ([]Rating, error)
	SourceRatings(ctx context.Context, sourceID string) ([]Rating, error)

	AddCrossReference(ctx context.Context, ref *CrossReference) error
	CrossReferenceStats(ctx context.Context, sourceID string) (accurate, total int, err error)

	CreateAnomaly(ctx context.Context, a *Anomaly) error
	GetAnomaly(ctx context.Context, id string) (*Anomaly, error)
	ListAnomalies(ctx context.Context, sourceID string, openOnly bool) ([]Anomaly, error)
	ResolveAnomaly(ctx context.Context, r Resolution) (*Anomaly, error)

	Close() error
}

// SQLStore implements Store on SQLite or PostgreSQL.
type SQLStore struct {
	db      *sqlx.DB
	driver  string
	version uint
}

// New opens the database and runs migrations. For SQLite the dsn is a file
// path.
func New(driver, dsn string) (*SQLStore, error) {
	if driver == "" {
		driver = DriverSQLite
	}

	var connStr string
	switch driver {
	case DriverSQLite:
		connStr = dsn + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	case DriverPostgres:
		connStr = dsn
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sqlx.Open(driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("open %s %s: %w", driver, dsn, err)
	}
	if driver == DriverSQLite {
		// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY
		// between pooled connections.
		db.SetMaxOpenConns(1)
	}

	version, err := migrateUp(db, driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLStore{db: db, driver: driver, version: version}, nil
}

// SchemaVersion returns the migration version applied at open time.
func (s *SQLStore) SchemaVersion() uint {
	return s.version
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction and commits when fn returns nil.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLStore) q(query string) string {
	return s.db.Rebind(query)
}
