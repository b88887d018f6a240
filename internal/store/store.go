package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/recognition"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no request has the given id.
var ErrNotFound = errors.New("request not found")

// Sources a request can arrive from.
const (
	SourceCLI   = "cli"
	SourceHTTP  = "http"
	SourceBus   = "bus"
	SourceWatch = "watch"
)

// Record is a stored request with its outcomes.
type Record struct {
	ID         string             `json:"id"`
	Source     string             `json:"source"`
	Filename   string             `json:"filename"`
	Method     string             `json:"method"`
	Language   string             `json:"language,omitempty"`
	State      string             `json:"state"`
	ErrorKind  string             `json:"error_kind,omitempty"`
	Error      string             `json:"error,omitempty"`
	Duration   float64            `json:"duration_seconds"`
	Result     recognition.Result `json:"results"`
	CreatedAt  time.Time          `json:"created_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

// Store keeps a SQLite history of recognition requests and their outcomes.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. Ephemeral mode keeps
// nothing.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "store"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS requests (
    request_id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    filename TEXT,
    method TEXT,
    language TEXT,
    state TEXT NOT NULL,
    error_kind TEXT,
    error_message TEXT,
    duration_seconds REAL,
    created_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS outcomes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    backend TEXT NOT NULL,
    priority INTEGER NOT NULL,
    text TEXT,
    reason TEXT,
    detail TEXT,
    latency_ms INTEGER,
    FOREIGN KEY(request_id) REFERENCES requests(request_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at);
CREATE INDEX IF NOT EXISTS idx_outcomes_request ON outcomes(request_id, priority);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s == nil || s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// SaveReport records an aggregated request and its per-backend outcomes.
func (s *Store) SaveReport(ctx context.Context, source, filename string, report *pipeline.Report) error {
	if s.disabled() || report == nil {
		return nil
	}
	created := report.Started
	if created.IsZero() {
		created = s.clock()
	}
	finished := report.Finished
	if finished.IsZero() {
		finished = s.clock()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO requests(request_id, source, filename, method, language, state, duration_seconds, created_at, finished_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.ID, source, filename, string(report.Method), report.Language, string(report.State),
		report.Duration, created.UTC().UnixNano(), finished.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	for _, entry := range report.Result.Entries() {
		var text, reason, detail sql.NullString
		if entry.Outcome.OK() {
			text = sql.NullString{String: entry.Outcome.Text(), Valid: true}
		} else {
			reason = sql.NullString{String: string(entry.Outcome.Reason()), Valid: true}
			detail = sql.NullString{String: entry.Outcome.Detail(), Valid: entry.Outcome.Detail() != ""}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO outcomes(request_id, backend, priority, text, reason, detail, latency_ms)
			 VALUES(?, ?, ?, ?, ?, ?, ?)`,
			report.ID, entry.Backend, recognition.Priority(entry.Backend), text, reason, detail,
			report.Timings[entry.Backend].Milliseconds())
		if err != nil {
			return fmt.Errorf("insert outcome: %w", err)
		}
	}
	err = tx.Commit()
	return err
}

// SaveRejection records a request that ended with a terminal error.
func (s *Store) SaveRejection(ctx context.Context, id, source, filename string, method recognition.Method, cause error) error {
	if s.disabled() || cause == nil {
		return nil
	}
	now := s.clock().UTC().UnixNano()
	var measured float64
	var durationErr *pipeline.DurationExceededError
	if errors.As(cause, &durationErr) {
		measured = durationErr.Measured
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests(request_id, source, filename, method, state, error_kind, error_message, duration_seconds, created_at, finished_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, source, filename, string(method), string(pipeline.StateRejected),
		pipeline.Kind(cause), cause.Error(), measured, now, now)
	if err != nil {
		return fmt.Errorf("insert rejection: %w", err)
	}
	return nil
}

// Get loads a request and its outcomes in priority order.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	if s.disabled() {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT request_id, source, filename, method, language, state, error_kind, error_message, duration_seconds, created_at, finished_at
		 FROM requests WHERE request_id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadOutcomes(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns up to limit requests, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, source, filename, method, language, state, error_kind, error_message, duration_seconds, created_at, finished_at
		 FROM requests ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range records {
		if err := s.loadOutcomes(ctx, &records[i]); err != nil {
			return nil, err
		}
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var filename, method, language, kind, message sql.NullString
	var duration sql.NullFloat64
	var created, finished int64
	if err := row.Scan(&rec.ID, &rec.Source, &filename, &method, &language, &rec.State, &kind, &message, &duration, &created, &finished); err != nil {
		return nil, err
	}
	rec.Filename = filename.String
	rec.Method = method.String
	rec.Language = language.String
	rec.ErrorKind = kind.String
	rec.Error = message.String
	rec.Duration = duration.Float64
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.FinishedAt = time.Unix(0, finished).UTC()
	return &rec, nil
}

func (s *Store) loadOutcomes(ctx context.Context, rec *Record) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT backend, text, reason, detail FROM outcomes WHERE request_id = ? ORDER BY priority ASC, id ASC`, rec.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var backend string
		var text, reason, detail sql.NullString
		if err := rows.Scan(&backend, &text, &reason, &detail); err != nil {
			return err
		}
		if reason.Valid {
			rec.Result.Set(backend, recognition.Failed(recognition.Reason(reason.String), detail.String))
		} else {
			rec.Result.Set(backend, recognition.Text(text.String))
		}
	}
	return rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE created_at < ?`, cutoff.UTC().UnixNano()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRequests > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM requests WHERE request_id IN (
			SELECT request_id FROM requests ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRequests)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
