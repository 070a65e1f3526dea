package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/StudyPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) CreateParticipant(p models.Participant) error {
	p, err := prepareCreate(p, time.Now().UTC())
	if err != nil {
		return err
	}
	res, err := s.db.Exec(
		`INSERT INTO participants (`+participantColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO NOTHING`,
		participantArgs(p)...,
	)
	if err != nil {
		slog.Error("PostgresStore CreateParticipant failed", "error", err, "id", p.ID)
		return fmt.Errorf("failed to insert participant %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrParticipantExists
	}
	slog.Debug("PostgresStore CreateParticipant succeeded", "id", p.ID)
	return nil
}

func (s *PostgresStore) GetParticipant(id string) (models.Participant, error) {
	p, err := scanParticipant(s.db.QueryRow(`SELECT `+participantColumns+` FROM participants WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Participant{}, ErrParticipantNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetParticipant failed", "error", err, "id", id)
		return models.Participant{}, fmt.Errorf("failed to get participant %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListParticipants() ([]models.Participant, error) {
	rows, err := s.db.Query(`SELECT ` + participantColumns + ` FROM participants ORDER BY created_at, id`)
	if err != nil {
		slog.Error("PostgresStore ListParticipants query failed", "error", err)
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	return collectParticipants(rows)
}

func (s *PostgresStore) ListLapsedParticipants(now time.Time) ([]models.Participant, error) {
	rows, err := s.db.Query(
		`SELECT `+participantColumns+` FROM participants
		 WHERE status = $1 AND due_date IS NOT NULL AND due_date < $2
		 ORDER BY due_date, id`,
		string(models.StatusOnStudy), now.UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore ListLapsedParticipants query failed", "error", err)
		return nil, fmt.Errorf("failed to query lapsed participants: %w", err)
	}
	return collectParticipants(rows)
}

// UpdateParticipant locks the participant row with SELECT ... FOR UPDATE for the duration
// of fn, so concurrent updates of the same participant queue up behind each other.
func (s *PostgresStore) UpdateParticipant(id string, fn UpdateFunc) (models.Participant, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return models.Participant{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanParticipant(tx.QueryRow(`SELECT `+participantColumns+` FROM participants WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Participant{}, ErrParticipantNotFound
	}
	if err != nil {
		return models.Participant{}, fmt.Errorf("failed to lock participant %s: %w", id, err)
	}

	next, err := prepareUpdate(current, fn, time.Now().UTC())
	if err != nil {
		return models.Participant{}, err
	}

	_, err = tx.Exec(
		`UPDATE participants SET uid = $2, current_questionnaire_id = $3, start_date = $4, due_date = $5,
		 current_instance_id = $6, current_interval = $7, additional_iterations_left = $8, status = $9,
		 general_study_end_date = $10, personal_study_end_date = $11, notification_target = $12,
		 created_at = $13, updated_at = $14
		 WHERE id = $1`,
		participantArgs(next)...,
	)
	if err != nil {
		slog.Error("PostgresStore UpdateParticipant failed", "error", err, "id", id)
		return models.Participant{}, fmt.Errorf("failed to update participant %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Participant{}, fmt.Errorf("failed to commit participant %s: %w", id, err)
	}
	slog.Debug("PostgresStore UpdateParticipant succeeded", "id", id)
	return next, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
