package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/nlm-vision/trake/internal/domain"
	"github.com/nlm-vision/trake/internal/port"
)

// PostgresStore handles all relational database operations on the keyframe
// metadata catalog.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection and returns a store instance.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use in transactions.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// --- Keyframe metadata ---

// FindKeys returns the set of keyframe keys matching the metadata filter.
// Zero-value filter fields are not applied; an empty filter matches nothing,
// since callers resolve "no filter" before reaching the store.
func (s *PostgresStore) FindKeys(ctx context.Context, filter port.MetadataFilter) (map[int64]struct{}, error) {
	query := `SELECT key FROM keyframes WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if len(filter.GroupIn) > 0 {
		query += fmt.Sprintf(" AND group_num = ANY($%d)", argIdx)
		args = append(args, pq.Array(filter.GroupIn))
		argIdx++
	}
	if len(filter.VideoIn) > 0 {
		query += fmt.Sprintf(" AND video_num = ANY($%d)", argIdx)
		args = append(args, pq.Array(filter.VideoIn))
		argIdx++
	}
	if len(args) == 0 {
		return map[int64]struct{}{}, nil
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[int64]struct{})
	for rows.Next() {
		var key int64
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys[key] = struct{}{}
	}
	return keys, rows.Err()
}

// GetKeyframes returns the metadata records for the given keys.
func (s *PostgresStore) GetKeyframes(ctx context.Context, keys []int64) ([]domain.Keyframe, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	query := `SELECT key, group_num, video_num, keyframe_num
	          FROM keyframes WHERE key = ANY($1) ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("get keyframes: %w", err)
	}
	defer rows.Close()

	var frames []domain.Keyframe
	for rows.Next() {
		var kf domain.Keyframe
		if err := rows.Scan(&kf.Key, &kf.GroupNum, &kf.VideoNum, &kf.KeyframeNum); err != nil {
			return nil, fmt.Errorf("scan keyframe: %w", err)
		}
		frames = append(frames, kf)
	}
	return frames, rows.Err()
}

// --- Query log ---

// WriteQueryLog implements middleware.QueryLogWriter.
func (s *PostgresStore) WriteQueryLog(method, path string, status int, durationMS int64, ip, userAgent string) error {
	query := `INSERT INTO query_log (method, path, status, duration_ms, ip, user_agent)
	          VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.db.ExecContext(context.Background(), query,
		method, path, status, durationMS, ip, userAgent,
	)
	return err
}
