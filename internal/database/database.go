package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/proisp/sharing/internal/config"
	"github.com/proisp/sharing/internal/logging"
)

var (
	DB    *gorm.DB
	Redis *redis.Client
)

// GormConfig is shared by every gorm connection so timestamps are always UTC
func GormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		DisableForeignKeyConstraintWhenMigrating: true,
	}
}

// Connect opens PostgreSQL with retry, then Redis when enabled
func Connect(cfg *config.Config) error {
	var err error
	maxRetries := 30
	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(postgres.Open(cfg.Database.DSN()), GormConfig())
		if err == nil {
			break
		}
		logging.Warn().Err(err).Int("attempt", i+1).Int("max_attempts", maxRetries).
			Msg("Database connection failed, retrying in 2 seconds")
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	logging.Info().Msg("Database connected successfully")

	if !cfg.Redis.Enabled {
		logging.Info().Msg("Redis disabled, using in-process cache")
		return nil
	}

	Redis = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := Redis.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Info().Msg("Redis connected successfully")
	return nil
}

// NewCache returns the Redis cache when connected, else an in-process one
func NewCache() Cache {
	if Redis != nil {
		return NewRedisCache(Redis)
	}
	return NewMemoryCache(1024, CacheTTLSettings)
}

func Close() {
	if DB != nil {
		if sqlDB, err := DB.DB(); err == nil {
			sqlDB.Close()
		}
	}
	if Redis != nil {
		Redis.Close()
	}
}
