package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/StudyPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
	// sqliteDSNParams makes db.Begin issue BEGIN IMMEDIATE, so a read-modify-write holds the
	// write lock from its first read, and lets waiting writers block instead of failing.
	sqliteDSNParams = "_txlock=immediate&_busy_timeout=15000"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	if strings.Contains(dsn, "?") {
		dsn += "&" + sqliteDSNParams
	} else {
		dsn += "?" + sqliteDSNParams
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", path)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateParticipant(p models.Participant) error {
	p, err := prepareCreate(p, time.Now().UTC())
	if err != nil {
		return err
	}
	res, err := s.db.Exec(
		`INSERT INTO participants (`+participantColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		participantArgs(p)...,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateParticipant failed", "error", err, "id", p.ID)
		return fmt.Errorf("failed to insert participant %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrParticipantExists
	}
	slog.Debug("SQLiteStore CreateParticipant succeeded", "id", p.ID)
	return nil
}

func (s *SQLiteStore) GetParticipant(id string) (models.Participant, error) {
	p, err := scanParticipant(s.db.QueryRow(`SELECT `+participantColumns+` FROM participants WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Participant{}, ErrParticipantNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetParticipant failed", "error", err, "id", id)
		return models.Participant{}, fmt.Errorf("failed to get participant %s: %w", id, err)
	}
	return p, nil
}

func (s *SQLiteStore) ListParticipants() ([]models.Participant, error) {
	rows, err := s.db.Query(`SELECT ` + participantColumns + ` FROM participants ORDER BY created_at, id`)
	if err != nil {
		slog.Error("SQLiteStore ListParticipants query failed", "error", err)
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	return collectParticipants(rows)
}

func (s *SQLiteStore) ListLapsedParticipants(now time.Time) ([]models.Participant, error) {
	rows, err := s.db.Query(
		`SELECT `+participantColumns+` FROM participants
		 WHERE status = ? AND due_date IS NOT NULL AND due_date < ?
		 ORDER BY due_date, id`,
		string(models.StatusOnStudy), now.UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore ListLapsedParticipants query failed", "error", err)
		return nil, fmt.Errorf("failed to query lapsed participants: %w", err)
	}
	return collectParticipants(rows)
}

func (s *SQLiteStore) UpdateParticipant(id string, fn UpdateFunc) (models.Participant, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return models.Participant{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanParticipant(tx.QueryRow(`SELECT `+participantColumns+` FROM participants WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Participant{}, ErrParticipantNotFound
	}
	if err != nil {
		return models.Participant{}, fmt.Errorf("failed to load participant %s: %w", id, err)
	}

	next, err := prepareUpdate(current, fn, time.Now().UTC())
	if err != nil {
		return models.Participant{}, err
	}

	args := participantArgs(next)
	_, err = tx.Exec(
		`UPDATE participants SET uid = ?, current_questionnaire_id = ?, start_date = ?, due_date = ?,
		 current_instance_id = ?, current_interval = ?, additional_iterations_left = ?, status = ?,
		 general_study_end_date = ?, personal_study_end_date = ?, notification_target = ?,
		 created_at = ?, updated_at = ?
		 WHERE id = ?`,
		append(args[1:], id)...,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateParticipant failed", "error", err, "id", id)
		return models.Participant{}, fmt.Errorf("failed to update participant %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Participant{}, fmt.Errorf("failed to commit participant %s: %w", id, err)
	}
	slog.Debug("SQLiteStore UpdateParticipant succeeded", "id", id)
	return next, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
