// Package report persists build outcomes and their cost breakdowns.
package report

import (
	"fmt"
	"sort"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"forgebuild/internal/config"
	"forgebuild/internal/supervisor"
)

// Store wraps the GORM handle for build reports.
type Store struct {
	db *gorm.DB
}

// Open connects to Postgres when DATABASE_URL is set, otherwise to the
// local SQLite file, and migrates the report tables.
func Open(cfg config.AppConfig) (*Store, error) {
	gormCfg := &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		db  *gorm.DB
		err error
	)
	if cfg.DatabaseURL != "" {
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), gormCfg)
	} else {
		db, err = gorm.Open(sqlite.Open(cfg.SQLitePath), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("report store open: %w", err)
	}

	if err := db.AutoMigrate(&BuildRecord{}, &CycleRecord{}, &SpendRecord{}); err != nil {
		return nil, fmt.Errorf("report store migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenSQLite opens a store on a specific SQLite path, used by tests.
func OpenSQLite(path string) (*Store, error) {
	cfg := config.AppConfig{SQLitePath: path}
	return Open(cfg)
}

// Save persists one finished build report with its cycles and spend rows.
func (s *Store) Save(rep *supervisor.Report) error {
	rec := BuildRecord{
		ID:         rep.BuildID,
		FinalState: string(rep.FinalState),
		CycleCount: len(rep.Cycles),
		TotalCost:  rep.TotalCost,
		DurationMs: rep.Duration.Milliseconds(),
		Pivoted:    rep.Pivoted,
	}
	for _, c := range rep.Cycles {
		cr := CycleRecord{
			Number:      c.Number,
			Verdict:     c.Verdict,
			Violations:  len(c.Violations),
			PatchedFile: c.PatchedFile,
			Abandoned:   c.Abandoned,
			ErrorBrief:  c.ErrorBrief,
		}
		if c.Run != nil {
			cr.ExitCode = c.Run.ExitCode
			cr.TimedOut = c.Run.TimedOut
		}
		rec.Cycles = append(rec.Cycles, cr)
	}

	models := make([]string, 0, len(rep.Cost))
	for m := range rep.Cost {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		u := rep.Cost[m]
		rec.Spend = append(rec.Spend, SpendRecord{
			Model:        m,
			Calls:        u.Calls,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			Cost:         u.Cost,
		})
	}

	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("report save: %w", err)
	}
	return nil
}

// Get loads a build with its cycles and spend by ID.
func (s *Store) Get(buildID string) (*BuildRecord, error) {
	var rec BuildRecord
	err := s.db.Preload("Cycles", func(db *gorm.DB) *gorm.DB {
		return db.Order("number ASC")
	}).Preload("Spend").First(&rec, "id = ?", buildID).Error
	if err != nil {
		return nil, fmt.Errorf("report get %s: %w", buildID, err)
	}
	return &rec, nil
}

// List returns the most recent builds, newest first.
func (s *Store) List(limit int) ([]BuildRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var recs []BuildRecord
	err := s.db.Order("created_at DESC").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("report list: %w", err)
	}
	return recs, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
