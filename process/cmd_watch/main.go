// Batch ingester: scans a drop directory for spreadsheets, registers each as
// a File row, runs the matching pipeline on a chosen column and optionally
// keeps watching the directory for new drops.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/angelogeraci/excel-meta-ai-matcher/models"
	"github.com/angelogeraci/excel-meta-ai-matcher/pkg/ai"
	"github.com/angelogeraci/excel-meta-ai-matcher/pkg/excel"
	"github.com/angelogeraci/excel-meta-ai-matcher/pkg/meta"
	"github.com/angelogeraci/excel-meta-ai-matcher/pkg/pipeline"
)

// Global DB handle for helper funcs
var db *gorm.DB

var verbose bool

// preload cache of already-registered files, keyed by original name, so a
// rescan never re-ingests the same drop.
type preloadState struct {
	filesByName map[string]*models.File
	mu          sync.RWMutex
}

func newPreloadState() *preloadState {
	return &preloadState{filesByName: make(map[string]*models.File, 256)}
}

func (ps *preloadState) get(name string) (*models.File, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	f, ok := ps.filesByName[name]
	return f, ok
}

func (ps *preloadState) put(f *models.File) {
	ps.mu.Lock()
	ps.filesByName[f.OriginalName] = f
	ps.mu.Unlock()
}

func mustInitDBFromEnv() *gorm.DB {
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatalf("DB_DSN must be set in environment to run this tool")
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	return gdb
}

func main() {
	dirFlag := flag.String("dir", "incoming", "directory to scan for spreadsheets")
	column := flag.String("column", "", "column to process in each spreadsheet (required unless --resume)")
	watch := flag.Bool("watch", false, "Watch directory for new files")
	resume := flag.Bool("resume", false, "Finish pending rows of interrupted runs, then exit")
	dryRun := flag.Bool("dry-run", false, "List candidate files without touching the DB")
	workers := flag.Int("workers", 0, "Worker pool size (default NumCPU)")
	flag.BoolVar(&verbose, "verbose", false, "Verbose per-file logging")
	flag.Parse()

	if *dryRun {
		log.Printf("Dry-run: scanning %s (no DB interaction)", *dirFlag)
		files := listSpreadsheets(*dirFlag)
		log.Printf("Found %d candidate files", len(files))
		for _, f := range files {
			if info, err := excel.ReadInfo(filepath.Join(*dirFlag, f)); err == nil {
				logV("%s: %d rows, columns %v", f, info.RowCount, info.Columns)
			} else {
				log.Printf("WARN unreadable %s: %v", f, err)
			}
		}
		return
	}

	db = mustInitDBFromEnv()
	processor := buildProcessor()

	if *resume {
		resumeInterrupted(processor)
		return
	}
	if *column == "" {
		log.Fatal("--column is required")
	}

	ps := preloadAll()
	log.Printf("Preloaded: files=%d", len(ps.filesByName))

	files := listSpreadsheets(*dirFlag)
	log.Printf("Scanning %d files (workers=%d)", len(files), effectiveWorkers(*workers))
	runWorkerPool(*dirFlag, *column, processor, ps, files, effectiveWorkers(*workers))

	if *watch {
		if err := watchDirectory(*dirFlag, *column, processor, ps, effectiveWorkers(*workers)); err != nil {
			log.Fatalf("watch failed: %v", err)
		}
	}
}

func buildProcessor() *pipeline.Processor {
	metaClient := meta.NewClientFromEnv()
	metaClient.AllowFallback = true

	var scorer ai.Scorer = ai.NewHeuristicScorer()
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		scorer = &ai.FallbackScorer{Primary: ai.NewOpenAIScorer(key), Fallback: ai.NewHeuristicScorer()}
	}
	return &pipeline.Processor{DB: db, Suggester: metaClient, Scorer: scorer}
}

func effectiveWorkers(w int) int {
	if w <= 0 {
		return runtime.NumCPU()
	}
	return w
}

func logV(format string, args ...any) {
	if verbose {
		log.Printf(format, args...)
	}
}

// preloadAll fetches registered files to minimize per-file queries.
func preloadAll() *preloadState {
	ps := newPreloadState()
	var files []models.File
	if err := db.Find(&files).Error; err == nil {
		for i := range files {
			f := files[i]
			ps.filesByName[f.OriginalName] = &f
		}
	}
	return ps
}

// resumeInterrupted finds files stuck in the processing state and scores
// whatever rows their runs left pending.
func resumeInterrupted(processor *pipeline.Processor) {
	var stuck []models.File
	if err := db.Where("status = ?", models.FileStatusProcessing).Find(&stuck).Error; err != nil {
		log.Fatalf("query failed: %v", err)
	}
	if len(stuck) == 0 {
		log.Println("No interrupted runs found")
		return
	}
	for _, f := range stuck {
		n, err := processor.ResumePending(context.Background(), f.ID)
		if err != nil {
			log.Printf("ERROR resume file %d: %v", f.ID, err)
			continue
		}
		log.Printf("RESUMED file %d (%s): %d rows", f.ID, f.OriginalName, n)
	}
}

func listSpreadsheets(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !isSupportedExt(e.Name()) {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out
}

func isSupportedExt(name string) bool {
	// ignore office lock files left while a spreadsheet is open
	if strings.HasPrefix(name, "~$") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".xls", ".xlsx", ".xlsm":
		return true
	}
	return false
}

func watchDirectory(dir, column string, processor *pipeline.Processor, ps *preloadState, workers int) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	log.Printf("Watching %s (debounced) ...", dir)

	fileCh := make(chan string, 256)
	go func() {
		// simple debounce map of pending files
		pending := map[string]time.Time{}
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					close(fileCh)
					return
				}
				if ev.Op&fsnotify.Create == fsnotify.Create || ev.Op&fsnotify.Write == fsnotify.Write {
					name := filepath.Base(ev.Name)
					if !isSupportedExt(name) {
						continue
					}
					pending[name] = time.Now()
				}
			case <-ticker.C:
				now := time.Now()
				for name, t := range pending {
					if now.Sub(t) > 500*time.Millisecond { // stable
						fileCh <- name
						delete(pending, name)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					close(fileCh)
					return
				}
				log.Printf("watch error: %v", err)
			}
		}
	}()

	// Use worker pool for watch events too
	go runWorkerPool(dir, column, processor, ps, nil, workers, fileCh)
	// block forever (Ctrl+C to exit)
	select {}
}

// worker pool orchestrator
func runWorkerPool(dir, column string, processor *pipeline.Processor, ps *preloadState, initial []string, workers int, extraCh ...<-chan string) {
	fileCh := make(chan string, 1024)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range fileCh {
				processSingleFile(dir, name, column, processor, ps)
			}
		}()
	}
	// feed initial
	go func() {
		for _, f := range initial {
			fileCh <- f
		}
		// also relay from extra channels if provided
		for _, ch := range extraCh {
			go func(c <-chan string) {
				for n := range c {
					fileCh <- n
				}
			}(ch)
		}
		// if no extraCh (scan only) close when done
		if len(extraCh) == 0 {
			close(fileCh)
		}
	}()
	if len(extraCh) == 0 {
		wg.Wait()
	}
}

// processSingleFile registers one dropped spreadsheet and runs the pipeline
// on it. Idempotent per original name.
func processSingleFile(dir, name, column string, processor *pipeline.Processor, ps *preloadState) {
	srcPath := filepath.Join(dir, name)

	if f, ok := ps.get(name); ok {
		if f.Status == models.FileStatusCompleted || f.Status == models.FileStatusProcessing {
			logV("SKIP already registered %s (status=%s)", name, f.Status)
			return
		}
	}

	info, err := excel.ReadInfo(srcPath)
	if err != nil {
		log.Printf("WARN unreadable %s: %v", name, err)
		return
	}
	fi, err := os.Stat(srcPath)
	if err != nil {
		log.Printf("WARN stat %s: %v", name, err)
		return
	}

	storedName := uuid.NewString() + strings.ToLower(filepath.Ext(name))
	dstPath := filepath.Join(uploadDir(), storedName)
	if err := copyFile(srcPath, dstPath); err != nil {
		log.Printf("ERROR copy %s: %v", name, err)
		return
	}

	f := models.File{
		StoredName:   storedName,
		OriginalName: name,
		Path:         dstPath,
		Size:         fi.Size(),
		Columns:      info.Columns,
		RowCount:     info.RowCount,
		Status:       models.FileStatusUploaded,
	}
	if err := db.Create(&f).Error; err != nil {
		log.Printf("ERROR create file row %s: %v", name, err)
		_ = os.Remove(dstPath)
		return
	}
	ps.put(&f)
	log.Printf("NEW file id=%d name=%s rows=%d", f.ID, name, f.RowCount)

	if err := processor.ProcessColumnSync(context.Background(), f.ID, column); err != nil {
		log.Printf("ERROR process file %d: %v", f.ID, err)
		return
	}
	log.Printf("DONE file id=%d name=%s", f.ID, name)
}

func uploadDir() string {
	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		return v
	}
	return "uploads"
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
