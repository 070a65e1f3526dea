// Package store provides storage backends for StudyPipe.
//
// Participants and durable notification jobs live in the same backend: an in-memory store for
// development and tests, SQLite for single-node deployments, and PostgreSQL.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/models"
)

// Error variables returned by every backend
var (
	ErrParticipantNotFound = errors.New("participant not found")
	ErrParticipantExists   = errors.New("participant already exists")
	ErrJobNotFound         = errors.New("job not found")
)

// UpdateFunc mutates a participant inside UpdateParticipant. Returning an error aborts the
// update and leaves the stored participant unchanged.
type UpdateFunc func(p *models.Participant) error

// ParticipantStore persists participant snapshots.
type ParticipantStore interface {
	// CreateParticipant inserts a new participant. It returns ErrParticipantExists when the
	// id is taken.
	CreateParticipant(p models.Participant) error

	// GetParticipant returns ErrParticipantNotFound for unknown ids.
	GetParticipant(id string) (models.Participant, error)

	// ListParticipants returns all participants ordered by creation time.
	ListParticipants() ([]models.Participant, error)

	// ListLapsedParticipants returns on-study participants whose due date is before now.
	ListLapsedParticipants(now time.Time) ([]models.Participant, error)

	// UpdateParticipant applies fn to the stored participant and saves the result. Calls for
	// the same participant are serialized, so at most one recomputation runs at a time.
	UpdateParticipant(id string, fn UpdateFunc) (models.Participant, error)
}

// Store is a complete storage backend.
type Store interface {
	ParticipantStore
	JobRepo
	Close() error
}

// Backend names returned by DetectDSNType
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Opts holds configuration options for store construction.
type Opts struct {
	DSN     string
	Backend string
}

// Option defines a configuration option for store construction.
type Option func(*Opts)

// WithSQLiteDSN selects the SQLite backend with the given database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Backend = BackendSQLite
	}
}

// WithPostgresDSN selects the PostgreSQL backend with the given connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Backend = BackendPostgres
	}
}

// DetectDSNType reports whether dsn addresses PostgreSQL or an SQLite file.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return BackendPostgres
	}
	return BackendSQLite
}

// New builds the backend selected by opts; without options it returns an InMemoryStore.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	switch cfg.Backend {
	case BackendPostgres:
		slog.Debug("store.New: using PostgreSQL store")
		return NewPostgresStore(opts...)
	case BackendSQLite:
		slog.Debug("store.New: using SQLite store", "path", cfg.DSN)
		return NewSQLiteStore(opts...)
	case "", BackendMemory:
		slog.Debug("store.New: using in-memory store")
		return NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// prepareUpdate runs fn against a copy of current and stamps the result.
func prepareUpdate(current models.Participant, fn UpdateFunc, now time.Time) (models.Participant, error) {
	next := current.Clone()
	if err := fn(&next); err != nil {
		return models.Participant{}, err
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = now
	if err := next.Validate(); err != nil {
		return models.Participant{}, fmt.Errorf("updated participant %s is invalid: %w", current.ID, err)
	}
	return next, nil
}

// prepareCreate validates p and fills in its timestamps and default status.
func prepareCreate(p models.Participant, now time.Time) (models.Participant, error) {
	if err := p.Validate(); err != nil {
		return models.Participant{}, err
	}
	if p.Status == "" {
		p.Status = models.StatusOnStudy
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return p, nil
}
