// Package journal records robot link transitions and browser sessions in a
// SQL database so operators can review outages after the fact.
package journal

import (
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ricardothe3rd/gazebo-robot-control/internal/log"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Open connects to the journal database.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverMySQL:
		normalized, err := MySQLDSN(dsn)
		if err != nil {
			return nil, err
		}
		dialector = mysql.Open(normalized)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	return db, nil
}

// MySQLDSN validates a MySQL DSN and enables parseTime, which the
// created_at scans depend on.
func MySQLDSN(dsn string) (string, error) {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("journal: mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	if cfg.Loc == nil {
		cfg.Loc = time.UTC
	}
	return cfg.FormatDSN(), nil
}

// AutoMigrate creates or updates the journal tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("journal: auto-migrate: %w", err)
	}
	return nil
}

// Journal writes LinkEvents for one robot session. Write failures are logged
// and never reach the caller, so a broken database cannot stall the relay.
type Journal struct {
	db        *gorm.DB
	sessionID string
	now       func() time.Time
	log       zerolog.Logger
}

// New creates a Journal writing to db.
func New(db *gorm.DB, sessionID string) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: db is required")
	}
	return &Journal{
		db:        db,
		sessionID: sessionID,
		now:       time.Now,
		log:       log.WithComponent("journal"),
	}, nil
}

func (j *Journal) write(ev LinkEvent) {
	ev.SessionID = j.sessionID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = j.now()
	}
	if err := j.db.Create(&ev).Error; err != nil {
		j.log.Warn().Err(err).Str("kind", ev.Kind).Str("event", ev.Event).Msg("journal write failed")
	}
}

// RecordState records an upstream link transition.
func (j *Journal) RecordState(state string) {
	j.write(LinkEvent{Kind: KindUpstream, Event: state})
}

// RecordAttach records a browser attaching.
func (j *Journal) RecordAttach(connID string, at time.Time) {
	j.write(LinkEvent{Kind: KindBrowser, Event: EventAttach, ConnID: connID, CreatedAt: at})
}

// RecordDetach records a browser detaching after attachedFor.
func (j *Journal) RecordDetach(connID string, attachedFor time.Duration) {
	j.write(LinkEvent{Kind: KindBrowser, Event: EventDetach, ConnID: connID, DurationMs: attachedFor.Milliseconds()})
}

// Recent returns up to limit events, newest first. An empty kind matches
// every kind.
func (j *Journal) Recent(kind string, limit int) ([]LinkEvent, error) {
	return Recent(j.db, j.sessionID, kind, limit)
}

// Recent returns up to limit events for sessionID, newest first. Empty
// sessionID or kind match everything.
func Recent(db *gorm.DB, sessionID, kind string, limit int) ([]LinkEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	q := db.Model(&LinkEvent{})
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var events []LinkEvent
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	return events, nil
}

// Prune deletes events older than retention and returns how many were
// removed.
func (j *Journal) Prune(retention time.Duration) (int64, error) {
	cutoff := j.now().Add(-retention)
	res := j.db.Where("created_at < ?", cutoff).Delete(&LinkEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("journal: prune: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		j.log.Info().Int64("deleted", res.RowsAffected).Time("cutoff", cutoff).Msg("journal pruned")
	}
	return res.RowsAffected, nil
}
