package main

import (
	"log"
	"os"
	"strings"

	"github.com/angelogeraci/excel-meta-ai-matcher/models"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var db *gorm.DB

func initDB() {
	var err error
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("DB_DSN is not set. This project requires a Postgres DSN in DB_DSN.")
	}
	db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect postgres database:", err)
	}
	// Control schema migrations with env DB_AUTO_MIGRATE (default true). Any permission errors will be logged and ignored.
	shouldMigrate := true
	if v := os.Getenv("DB_AUTO_MIGRATE"); v != "" {
		lv := strings.ToLower(v)
		if lv == "false" || lv == "0" || lv == "no" {
			shouldMigrate = false
		}
	}
	if shouldMigrate {
		// Migrate models individually so a failure on one doesn't block others
		if err := db.AutoMigrate(&models.User{}); err != nil {
			log.Printf("migration warning (users): %v", err)
		}
		if err := db.AutoMigrate(&models.RefreshToken{}); err != nil {
			log.Printf("migration warning (refresh_tokens): %v", err)
		}
		if err := db.AutoMigrate(&models.File{}); err != nil {
			log.Printf("migration warning (files): %v", err)
		}
		if err := db.AutoMigrate(&models.MatchResult{}); err != nil {
			log.Printf("migration warning (match_results): %v", err)
		}
	}
	seedDB()
}

func seedDB() {
	// Seed an admin user so a fresh instance is usable immediately
	var count int64
	db.Model(&models.User{}).Where("username = ?", "admin").Count(&count)
	if count == 0 {
		hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)
		admin := models.User{Username: "admin", HashedPassword: hashedPassword}
		db.Create(&admin)
		log.Println("Seeded admin user: username=admin, password=admin123")
	}
	ensureDataDirs()
}

// ensureDataDirs creates the upload and export directories.
func ensureDataDirs() {
	for _, dir := range []string{uploadBaseDir(), exportBaseDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Printf("failed to create data dir %s: %v", dir, err)
		}
	}
}

// uploadBaseDir returns the base directory for stored spreadsheets (configurable via UPLOAD_DIR env)
func uploadBaseDir() string {
	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		return v
	}
	return "uploads"
}

// exportBaseDir returns the directory ephemeral exports are written to (configurable via EXPORT_DIR env)
func exportBaseDir() string {
	if v := os.Getenv("EXPORT_DIR"); v != "" {
		return v
	}
	return "exports"
}
