package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DoyleJ11/als-sync-backend/internal/engine"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// uniqueViolation is the postgres SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// FinishedMatch is one archived match.
type FinishedMatch struct {
	MatchID    string `gorm:"primaryKey;size:64"`
	PlayerOne  string `gorm:"index;not null"`
	PlayerTwo  string `gorm:"index;not null"`
	Winner     int
	Reason     string `gorm:"size:32"`
	Version    int
	State      []byte `gorm:"type:jsonb;not null"`
	FinishedAt time.Time
}

type Gorm struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGorm connects to postgres and migrates the archive table.
func NewGorm(ctx context.Context, dsn string, logger *zap.Logger) (*Gorm, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&FinishedMatch{}); err != nil {
		return nil, multierr.Append(fmt.Errorf("migrate archive: %w", err), closeDB(db))
	}
	logger.Info("using postgres archive")
	return &Gorm{db: db, logger: logger}, nil
}

func (g *Gorm) Save(ctx context.Context, final engine.State) error {
	if final.Status != engine.StatusFinished {
		return fmt.Errorf("save %s: status %s: %w", final.MatchID, final.Status, ErrNotFinished)
	}
	raw, err := json.Marshal(final)
	if err != nil {
		return fmt.Errorf("encode %s: %w", final.MatchID, err)
	}
	row := FinishedMatch{
		MatchID:    final.MatchID,
		PlayerOne:  final.Players[engine.SeatOne],
		PlayerTwo:  final.Players[engine.SeatTwo],
		Winner:     int(final.Winner),
		Reason:     string(final.Reason),
		Version:    final.Version,
		State:      raw,
		FinishedAt: time.Now().UTC(),
	}

	err = g.db.WithContext(ctx).Create(&row).Error
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("save %s: %w", final.MatchID, ErrArchived)
	}
	if err != nil {
		return fmt.Errorf("save %s: %w", final.MatchID, err)
	}
	return nil
}

func (g *Gorm) Get(ctx context.Context, matchID string) (engine.State, error) {
	var row FinishedMatch
	err := g.db.WithContext(ctx).First(&row, "match_id = ?", matchID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return engine.State{}, ErrNotFound
	}
	if err != nil {
		return engine.State{}, fmt.Errorf("load %s: %w", matchID, err)
	}

	var s engine.State
	if err := json.Unmarshal(row.State, &s); err != nil {
		return engine.State{}, fmt.Errorf("decode %s: %w", matchID, err)
	}
	return s, nil
}

func (g *Gorm) Close() error { return closeDB(g.db) }

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
