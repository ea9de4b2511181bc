package engine

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/cache"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/config"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/events"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/repo"
)

// Engine wires the condition-timer services around shared storage. Summaries
// it produces are ephemeral values owned by the caller; only the append-only
// logs live in sqlite.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Cache      cache.SummaryCache
	Dispatcher Dispatcher
	Logger     *slog.Logger
	Now        func() time.Time

	mu       sync.Mutex
	debounce map[string]time.Time

	exportQueue chan string
	exportOnce  sync.Once
}

func New(db *sql.DB, cfg *config.Config, c cache.SummaryCache, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Config:   cfg,
		Cache:    c,
		Logger:   logger,
		Now:      time.Now,
		debounce: make(map[string]time.Time),
	}
	e.Events = events.Writer{DB: db, Now: e.now}
	e.Dispatcher = &StorageDispatcher{Repo: e.Repo, Logger: logger, Now: e.now}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ValidationError marks malformed or stale client input.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ForbiddenError marks an operation the viewer's role does not allow.
type ForbiddenError struct {
	Msg string
}

func (e ForbiddenError) Error() string { return e.Msg }

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
