// Cleanup tool: removes stale export files and stored spreadsheets that no
// longer have a database row.
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/angelogeraci/excel-meta-ai-matcher/models"
)

func main() {
	exportTTL := flag.Duration("export-ttl", time.Hour, "delete exports older than this")
	pruneMissing := flag.Bool("prune-missing", false, "also delete file rows whose stored spreadsheet is gone")
	dryRun := flag.Bool("dry-run", false, "report what would be deleted without deleting")
	flag.Parse()

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("DB_DSN must be set in environment to run this tool")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	cleanExports(exportDir(), *exportTTL, *dryRun)
	cleanOrphanUploads(db, uploadDir(), *dryRun)
	if *pruneMissing {
		pruneMissingFiles(db, *dryRun)
	}
}

// pruneMissingFiles deletes file rows (and their results) whose stored
// spreadsheet no longer exists on disk.
func pruneMissingFiles(db *gorm.DB, dryRun bool) {
	var files []models.File
	if err := db.Find(&files).Error; err != nil {
		log.Fatalf("query failed: %v", err)
	}
	pruned := 0
	for _, f := range files {
		if _, err := os.Stat(f.Path); err == nil || !os.IsNotExist(err) {
			continue
		}
		if dryRun {
			log.Printf("would prune file %d (%s), missing %s", f.ID, f.OriginalName, f.Path)
			continue
		}
		if err := db.Where("file_id = ?", f.ID).Delete(&models.MatchResult{}).Error; err != nil {
			log.Printf("WARN delete results of file %d: %v", f.ID, err)
			continue
		}
		if err := db.Delete(&f).Error; err != nil {
			log.Printf("WARN delete file %d: %v", f.ID, err)
			continue
		}
		pruned++
	}
	log.Printf("files: pruned %d rows without stored spreadsheets", pruned)
}

// cleanExports drops export files past their TTL. Exports are meant to be
// streamed once and removed, so anything lingering here leaked.
func cleanExports(dir string, ttl time.Duration, dryRun bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Printf("export dir %s: %v", dir, err)
		return
	}
	cutoff := time.Now().Add(-ttl)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if dryRun {
			log.Printf("would remove stale export %s", path)
			continue
		}
		if err := os.Remove(path); err != nil {
			log.Printf("WARN remove %s: %v", path, err)
			continue
		}
		removed++
	}
	log.Printf("exports: removed %d stale files", removed)
}

// cleanOrphanUploads removes stored spreadsheets whose File row is gone.
func cleanOrphanUploads(db *gorm.DB, dir string, dryRun bool) {
	var stored []string
	if err := db.Model(&models.File{}).Pluck("stored_name", &stored).Error; err != nil {
		log.Fatalf("query failed: %v", err)
	}
	known := make(map[string]bool, len(stored))
	for _, s := range stored {
		known[s] = true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Printf("upload dir %s: %v", dir, err)
		return
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || known[e.Name()] {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if dryRun {
			log.Printf("would remove orphan upload %s", path)
			continue
		}
		if err := os.Remove(path); err != nil {
			log.Printf("WARN remove %s: %v", path, err)
			continue
		}
		removed++
	}
	log.Printf("uploads: removed %d orphans", removed)
}

func uploadDir() string {
	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		return v
	}
	return "uploads"
}

func exportDir() string {
	if v := os.Getenv("EXPORT_DIR"); v != "" {
		return v
	}
	return "exports"
}
