// Package db provides database and Redis connectivity for the gateway.
package db

import (
	"fmt"
	"time"

	"agenthub/internal/config"
	"agenthub/internal/logging"
	"agenthub/pkg/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ProcessingMessageIndex enforces at most one processing assistant message
// per conversation at the database level. The DDL is portable between
// PostgreSQL and the pure-Go sqlite driver used in tests.
const ProcessingMessageIndex = "CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_processing " +
	"ON messages(conversation_id) " +
	"WHERE role = 'assistant' AND status = 'processing' AND deleted_at IS NULL"

// Database wraps the GORM database instance.
type Database struct {
	DB *gorm.DB
}

// NewDatabase opens a PostgreSQL connection and runs migrations.
func NewDatabase(cfg *config.DatabaseConfig) (*Database, error) {
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password,
		cfg.DBName, cfg.SSLMode, cfg.TimeZone,
	)

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	database := &Database{DB: db}
	if err := database.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logging.L().Info("database connected")
	return database, nil
}

// Migrate runs schema migrations for all gateway models.
func (d *Database) Migrate() error {
	err := d.DB.AutoMigrate(
		&models.User{},
		&models.LLMModel{},
		&models.Agent{},
		&models.Conversation{},
		&models.Message{},
		&models.AgentTask{},
	)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	d.createIndexes()
	return nil
}

// createIndexes adds partial indexes AutoMigrate cannot express. The unique
// index on processing messages is what makes the one-in-flight guarantee hold
// under concurrent inserts.
func (d *Database) createIndexes() {
	d.DB.Exec(ProcessingMessageIndex)
	d.DB.Exec("CREATE INDEX IF NOT EXISTS idx_tasks_active ON agent_tasks(conversation_id, created_at DESC) WHERE status IN ('pending','running')")
	d.DB.Exec("CREATE INDEX IF NOT EXISTS idx_agents_owner_active ON agents(owner_id, created_at DESC) WHERE is_active = true AND deleted_at IS NULL")
}

// Health checks database connectivity.
func (d *Database) Health() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
