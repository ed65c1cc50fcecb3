package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/amoylab/replay/internal/common/cnst"
	"github.com/amoylab/replay/internal/common/config"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Type represents the supported database types
type Type string

const (
	PostgreSQL Type = "postgres"
	MySQL      Type = "mysql"
	SQLite     Type = "sqlite"
)

// GormDB implements Database on top of gorm
type GormDB struct {
	logger *zap.Logger
	db     *gorm.DB
}

var _ Database = (*GormDB)(nil)

// NewDatabase opens the database described by cfg and migrates the schema
func NewDatabase(logger *zap.Logger, cfg *config.DatabaseConfig) (Database, error) {
	logger = logger.Named("ingest.database")

	var dialector gorm.Dialector
	switch Type(cfg.Type) {
	case PostgreSQL:
		dialector = postgres.Open(cfg.GetDSN())
	case MySQL:
		dialector = mysql.Open(cfg.GetDSN())
	case SQLite:
		dialector = sqlite.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("%w: %s", cnst.ErrInvalidDatabaseType, cfg.Type)
	}

	logger.Info("Initializing database", zap.String("type", cfg.Type))
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if Type(cfg.Type) == SQLite {
		// a single connection keeps :memory: databases shared and serializes writers
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	if err := db.AutoMigrate(&Segment{}, &SessionSummary{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &GormDB{logger: logger, db: db}, nil
}

// Close closes the database connection
func (g *GormDB) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveSegment assigns the next sequence number of the session inside a
// transaction. Concurrent writers for one session race on the unique index.
func (g *GormDB) SaveSegment(ctx context.Context, segment *Segment) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var next int64
		err := tx.Model(&Segment{}).
			Where("session_id = ?", segment.SessionID).
			Select("COALESCE(MAX(seq) + 1, 0)").
			Scan(&next).Error
		if err != nil {
			return err
		}
		segment.Seq = int(next)
		return tx.Create(segment).Error
	})
}

// ListSegments returns the segments of a session ordered by sequence
func (g *GormDB) ListSegments(ctx context.Context, sessionID string) ([]*Segment, error) {
	var segments []*Segment
	err := g.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq asc").
		Find(&segments).Error
	return segments, err
}

// GetSegment returns one segment by session and sequence
func (g *GormDB) GetSegment(ctx context.Context, sessionID string, seq int) (*Segment, error) {
	var segment Segment
	err := g.db.WithContext(ctx).
		Where("session_id = ? AND seq = ?", sessionID, seq).
		First(&segment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &segment, nil
}

// UpsertSession writes the summary, replacing an earlier one for the same session
func (g *GormDB) UpsertSession(ctx context.Context, summary *SessionSummary) error {
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"site_id", "visitor_id", "started_at", "ended_at", "size_bytes",
			"event_count", "sample_rate", "start_url", "updated_at",
		}),
	}).Create(summary).Error
}

// GetSession returns a session summary
func (g *GormDB) GetSession(ctx context.Context, sessionID string) (*SessionSummary, error) {
	var summary SessionSummary
	err := g.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&summary).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// ListSessions lists the sessions of a site with pagination. An empty site
// lists every site.
func (g *GormDB) ListSessions(ctx context.Context, siteID string, page, pageSize int) ([]*SessionSummary, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	query := g.db.WithContext(ctx).Model(&SessionSummary{})
	if siteID != "" {
		query = query.Where("site_id = ?", siteID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var sessions []*SessionSummary
	err := query.
		Order("ended_at desc").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&sessions).Error
	return sessions, total, err
}
