package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

const schema = `
CREATE TABLE IF NOT EXISTS predictions (
	id           UUID PRIMARY KEY,
	class        TEXT NOT NULL,
	confidence   REAL NOT NULL,
	image_sha256 TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS predictions_created_at_idx ON predictions (created_at DESC);
`

type Record struct {
	ID          uuid.UUID `json:"id"`
	Class       string    `json:"class"`
	Confidence  float32   `json:"confidence"`
	ImageSHA256 string    `json:"image_sha256"`
	CreatedAt   time.Time `json:"created_at"`
}

func NewRecord(class string, confidence float32, digest string) *Record {
	return &Record{
		ID:          uuid.New(),
		Class:       class,
		Confidence:  confidence,
		ImageSHA256: digest,
		CreatedAt:   time.Now().UTC(),
	}
}

// Store keeps every successful prediction in PostgreSQL.
type Store struct {
	db *pgxpool.Pool
}

func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	db, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) Save(ctx context.Context, r *Record) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO predictions (id, class, confidence, image_sha256, created_at) VALUES ($1, $2, $3, $4, $5)`,
		r.ID.String(), r.Class, r.Confidence, r.ImageSHA256, r.CreatedAt)
	return err
}

// Recent returns the newest records first. limit is clamped to [1, MaxLimit].
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	limit = ClampLimit(limit)

	rows, err := s.db.Query(ctx,
		`SELECT id::text, class, confidence, image_sha256, created_at FROM predictions ORDER BY created_at DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r  Record
			id string
		)
		if err := rows.Scan(&id, &r.Class, &r.Confidence, &r.ImageSHA256, &r.CreatedAt); err != nil {
			return nil, err
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

func (s *Store) Close() {
	s.db.Close()
}

func ClampLimit(limit int) int {
	if limit < 1 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
