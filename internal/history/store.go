// Package history persists finished sessions to SQLite via GORM so past runs
// can be inspected with `runbox history`. Uses modernc.org/sqlite (pure Go,
// no CGO) through the glebarez/sqlite GORM driver, WAL mode by default.
//
// History is an audit convenience, never a dependency of the run loop: a
// store that fails to open or write degrades to a logged warning.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/runbox/internal/domain"
)

// SessionModel is the persisted form of a finished session.
type SessionModel struct {
	ID         string `gorm:"primaryKey"`
	Origin     string `gorm:"index"`
	Commit     string
	Status     string
	Reason     string
	Attempts   int
	CacheHit   bool
	StartedAt  time.Time
	FinishedAt time.Time

	Results []OperationResultModel `gorm:"foreignKey:SessionID"`
}

func (SessionModel) TableName() string { return "sessions" }

// OperationResultModel is one executed operation within a session.
type OperationResultModel struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	SessionID      string `gorm:"index"`
	Attempt        int
	Seq            int
	Command        string // Space-joined argv, display only.
	Intent         string
	Classification string
	ExitCode       int
	DurationMS     int64
}

func (OperationResultModel) TableName() string { return "operation_results" }

// Store records and queries session history.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open creates (or opens) the history database at path.
func Open(path string, slogger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("history database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	if err := db.AutoMigrate(&SessionModel{}, &OperationResultModel{}); err != nil {
		return nil, fmt.Errorf("migrating history schema: %w", err)
	}

	return &Store{db: db, logger: slogger}, nil
}

// Record persists one finished session with all its operation results.
func (s *Store) Record(ctx context.Context, sess *domain.Session) error {
	model := SessionModel{
		ID:         sess.ID.String(),
		Origin:     sess.Repository.Origin,
		Commit:     sess.Repository.Commit,
		Status:     string(sess.Status),
		Reason:     sess.Reason,
		Attempts:   len(sess.Attempts),
		CacheHit:   sess.CacheHit,
		StartedAt:  sess.StartedAt,
		FinishedAt: sess.FinishedAt,
	}

	for _, attempt := range sess.Attempts {
		for i, res := range attempt.Results {
			model.Results = append(model.Results, OperationResultModel{
				SessionID:      model.ID,
				Attempt:        attempt.Number,
				Seq:            i,
				Command:        joinArgv(res.Operation.Command),
				Intent:         string(res.Operation.Intent),
				Classification: string(res.Classification),
				ExitCode:       res.ExitCode,
				DurationMS:     res.Duration.Milliseconds(),
			})
		}
	}

	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("recording session: %w", err)
	}
	return nil
}

// List returns the most recent sessions, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]SessionModel, error) {
	if limit <= 0 {
		limit = 20
	}
	var sessions []SessionModel
	err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

// Get returns one session with its operation results, or nil if absent.
func (s *Store) Get(ctx context.Context, id string) (*SessionModel, error) {
	var session SessionModel
	err := s.db.WithContext(ctx).
		Preload("Results").
		First(&session, "id = ?", id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	return &session, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func joinArgv(argv []string) string {
	return strings.Join(argv, " ")
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
