package db

import (
	"context"
	"fmt"
	"time"

	"github.com/ekidigital/eki-chat-server/internal/store"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const connectAttempts = 10

// Connect opens Postgres, retrying while the database container comes up.
func Connect(ctx context.Context, dsn string) (*gorm.DB, error) {
	var err error
	for i := 0; i < connectAttempts; i++ {
		var gdb *gorm.DB
		gdb, err = open(ctx, dsn)
		if err == nil {
			return gdb, nil
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("postgres not ready")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(500+i*200) * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("connect postgres: %w", err)
}

func open(ctx context.Context, dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return gdb, nil
}

// Migrate creates or updates the directory tables.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(store.Tables()...)
}
