package repo

import (
	"ModelVault/model"
	"log"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// autoMigrateAll migrates all database models.
func autoMigrateAll(db *gorm.DB) {
	db.AutoMigrate(&model.DownloadTask{})
	db.AutoMigrate(&model.DownloadHistory{})
}

// InitSqlite opens the embedded queue database under dataDir.
func InitSqlite(dataDir string) *gorm.DB {
	db, err := openSqlite(dataDir)
	if err != nil {
		log.Fatal("init sqlite fail ", err)
	}
	log.Println("init sqlite success")
	return db
}

// OpenSqlite is the fallible variant used by tests.
func OpenSqlite(dataDir string) (*gorm.DB, error) {
	return openSqlite(dataDir)
}

func openSqlite(dataDir string) (*gorm.DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	dsn := filepath.Join(dataDir, "downloads.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// WAL keeps checkpoint writes cheap while workers stream.
	db.Exec("PRAGMA journal_mode = WAL")
	db.Exec("PRAGMA busy_timeout = 5000")
	db.Exec("PRAGMA synchronous = NORMAL")

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// Single writer connection avoids SQLITE_BUSY under concurrent workers.
	sqlDB.SetMaxOpenConns(1)

	autoMigrateAll(db)
	return db, nil
}
