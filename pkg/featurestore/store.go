// Package featurestore keeps the per-feature metric scores the grouping and
// histogram endpoints are computed from, in a SQLite database.
package featurestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/gilchrisn/feature-sankey-service/pkg/featureset"
	"github.com/gilchrisn/feature-sankey-service/pkg/models"
)

var ErrUnknownMetric = errors.New("featurestore: unknown metric")

// Record is one feature and its scores
type Record struct {
	FeatureID int                `json:"featureId"`
	Scores    map[string]float64 `json:"scores"`
}

// Store is a SQLite-backed feature score table
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open feature db: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serialises writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS features (
			feature_id INTEGER PRIMARY KEY
		);
		CREATE TABLE IF NOT EXISTS scores (
			feature_id INTEGER NOT NULL REFERENCES features(feature_id),
			metric     TEXT    NOT NULL,
			value      REAL    NOT NULL,
			PRIMARY KEY (feature_id, metric)
		);
		CREATE INDEX IF NOT EXISTS idx_scores_metric ON scores(metric, value);
	`)
	return err
}

// Close closes the database
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database path
func (s *Store) Path() string { return s.path }

// Insert upserts records. Non-finite scores are skipped.
func (s *Store) Insert(ctx context.Context, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	featStmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO features(feature_id) VALUES (?)")
	if err != nil {
		return fmt.Errorf("prepare feature insert: %w", err)
	}
	defer featStmt.Close()

	scoreStmt, err := tx.PrepareContext(ctx, "INSERT OR REPLACE INTO scores(feature_id, metric, value) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare score insert: %w", err)
	}
	defer scoreStmt.Close()

	for _, r := range records {
		if _, err := featStmt.ExecContext(ctx, r.FeatureID); err != nil {
			return fmt.Errorf("insert feature %d: %w", r.FeatureID, err)
		}
		for metric, v := range r.Scores {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			if _, err := scoreStmt.ExecContext(ctx, r.FeatureID, metric, v); err != nil {
				return fmt.Errorf("insert score %d/%s: %w", r.FeatureID, metric, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

// ImportJSON reads a JSON array of records and inserts them. It returns the
// number of records read.
func (s *Store) ImportJSON(ctx context.Context, r io.Reader) (int, error) {
	var records []Record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return 0, fmt.Errorf("decode features: %w", err)
	}
	if err := s.Insert(ctx, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

// Count returns the number of features
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM features").Scan(&n); err != nil {
		return 0, fmt.Errorf("count features: %w", err)
	}
	return n, nil
}

// Metrics lists the metric names that have scores, sorted
func (s *Store) Metrics(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT metric FROM scores ORDER BY metric")
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	metrics := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

func (s *Store) hasMetric(ctx context.Context, metric string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM scores WHERE metric = ? LIMIT 1", metric).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up metric %s: %w", metric, err)
	}
	return true, nil
}

// Universe returns the sorted ids of features whose scores lie inside every
// filter range. A feature without a score for a filtered metric is excluded.
func (s *Store) Universe(ctx context.Context, filters models.Filters) ([]int, error) {
	metrics := make([]string, 0, len(filters))
	for m := range filters {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)

	var (
		where []string
		args  []any
	)
	for _, m := range metrics {
		ok, err := s.hasMetric(ctx, m)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, m)
		}
		r := filters[m]
		where = append(where, `EXISTS (SELECT 1 FROM scores s
			WHERE s.feature_id = f.feature_id AND s.metric = ? AND s.value BETWEEN ? AND ?)`)
		args = append(args, m, r.Min, r.Max)
	}

	query := "SELECT f.feature_id FROM features f"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY f.feature_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query universe: %w", err)
	}
	defer rows.Close()

	ids := []int{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan feature id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Scores returns metric scores for the given ids, or for every feature when
// ids is nil. Ids without a score are absent from the result.
func (s *Store) Scores(ctx context.Context, metric string, ids []int) (map[int]float64, error) {
	ok, err := s.hasMetric(ctx, metric)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
	}

	var want featureset.Set
	if ids != nil {
		want = featureset.NewSet(ids)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT feature_id, value FROM scores WHERE metric = ?", metric)
	if err != nil {
		return nil, fmt.Errorf("query scores: %w", err)
	}
	defer rows.Close()

	scores := make(map[int]float64)
	for rows.Next() {
		var (
			id int
			v  float64
		)
		if err := rows.Scan(&id, &v); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		if want != nil && !want.Contains(id) {
			continue
		}
		scores[id] = v
	}
	return scores, rows.Err()
}
