package database

import (
	"errors"
	"log"

	"github.com/xshayank/VpnMarket-sub001/config"
	"github.com/xshayank/VpnMarket-sub001/database/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var db *gorm.DB

func initModels() error {
	models := []any{
		&model.Reseller{},
		&model.Panel{},
		&model.ResellerPanel{},
		&model.Config{},
		&model.UsageSnapshot{},
		&model.PanelUsageSnapshot{},
		&model.ConfigEvent{},
		&model.AuditLog{},
		&model.Setting{},
	}
	for _, m := range models {
		if err := db.AutoMigrate(m); err != nil {
			log.Printf("Error auto migrating model: %v", err)
			return err
		}
	}
	return nil
}

// InitDB opens the sqlite database at dbPath and migrates the schema.
func InitDB(dbPath string) error {
	cfg := config.GetDefaultDatabaseConfig()
	cfg.Path = dbPath
	return InitDBWithConfig(cfg)
}

func InitDBWithConfig(cfg *config.DatabaseConfig) error {
	if err := cfg.ValidateConfig(); err != nil {
		return err
	}
	if err := cfg.EnsureDirectoryExists(); err != nil {
		return err
	}

	gormLogger := logger.Discard
	if cfg.Debug {
		gormLogger = logger.Default
	}

	c := &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	}

	var err error
	db, err = gorm.Open(sqlite.Open(cfg.GetDSN()), c)
	if err != nil {
		return err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	// sqlite allows one writer; a single connection turns lock errors into queueing.
	sqlDB.SetMaxOpenConns(1)

	if _, err = sqlDB.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return err
	}

	return initModels()
}

func CloseDB() error {
	if db == nil {
		return nil
	}
	if err := Checkpoint(); err != nil {
		log.Printf("error executing checkpoint: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func GetDB() *gorm.DB {
	return db
}

func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func Checkpoint() error {
	return db.Exec("PRAGMA wal_checkpoint;").Error
}
