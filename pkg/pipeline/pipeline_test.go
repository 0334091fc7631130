package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/angelogeraci/excel-meta-ai-matcher/models"
	"github.com/angelogeraci/excel-meta-ai-matcher/pkg/ai"
)

func TestWindowSize(t *testing.T) {
	cases := []struct {
		rows, want int
	}{
		{100, 2000},
		{10_000, 2000},
		{10_001, 1000},
		{50_000, 1000},
		{50_001, 500},
		{200_000, 500},
	}
	for _, tc := range cases {
		if got := windowSize(tc.rows); got != tc.want {
			t.Errorf("windowSize(%d) = %d, want %d", tc.rows, got, tc.want)
		}
	}
}

func TestProgressCheckpoint(t *testing.T) {
	cases := []struct {
		windows, end, rows int
		want               bool
	}{
		{1, 2000, 20_000, false},
		{4, 8000, 20_000, false},
		{5, 10_000, 20_000, true},
		{10, 20_000, 20_000, true},
		{3, 20_000, 20_000, true}, // the last window always writes
	}
	for _, tc := range cases {
		if got := progressCheckpoint(tc.windows, tc.end, tc.rows); got != tc.want {
			t.Errorf("progressCheckpoint(%d, %d, %d) = %v, want %v",
				tc.windows, tc.end, tc.rows, got, tc.want)
		}
	}
}

// stubSuggester returns one exact and one near candidate per keyword, and can
// be told to fail on specific keywords.
type stubSuggester struct {
	failOn map[string]bool
}

func (s stubSuggester) Suggest(_ context.Context, keyword string, _ int) ([]models.Suggestion, error) {
	if s.failOn[keyword] {
		return nil, errors.New("provider down")
	}
	return []models.Suggestion{
		{Value: keyword, AudienceSize: 1_000_000, Source: models.SuggestionSourceMeta},
		{Value: keyword + " Marketing", AudienceSize: 500_000, Source: models.SuggestionSourceMeta},
	}, nil
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	if os.Getenv("DB_DSN_TEST") != "1" {
		t.Skip("integration tests are disabled; set DB_DSN_TEST=1 to enable")
	}
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		t.Skip("DB_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.File{}, &models.MatchResult{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func writeKeywordFile(t *testing.T, keywords []string) (string, int) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	_ = f.SetSheetRow("Sheet1", "A1", &[]interface{}{"keyword"})
	for i, kw := range keywords {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		_ = f.SetSheetRow("Sheet1", cell, &[]interface{}{kw})
	}
	path := filepath.Join(t.TempDir(), "keywords.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatal(err)
	}
	return path, len(keywords)
}

func newTestProcessor(db *gorm.DB, sug Suggester) *Processor {
	return &Processor{
		DB:        db,
		Suggester: sug,
		Scorer:    ai.NewHeuristicScorerWithSeed(7),
		Delay:     time.Millisecond,
	}
}

func TestProcessColumnSync(t *testing.T) {
	db := testDB(t)
	path, rows := writeKeywordFile(t, []string{"shoes", "hats", "boots"})

	file := models.File{
		StoredName: "t.xlsx", OriginalName: "t.xlsx", Path: path,
		Columns: []string{"keyword"}, RowCount: rows, Status: models.FileStatusUploaded,
	}
	if err := db.Create(&file).Error; err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Delete(&models.MatchResult{}, "file_id = ?", file.ID); db.Delete(&file) })

	p := newTestProcessor(db, stubSuggester{})
	if err := p.ProcessColumnSync(context.Background(), file.ID, "keyword"); err != nil {
		t.Fatalf("ProcessColumnSync: %v", err)
	}

	var got models.File
	if err := db.First(&got, file.ID).Error; err != nil {
		t.Fatal(err)
	}
	if got.Status != models.FileStatusCompleted || got.Progress != 100 {
		t.Errorf("file = %s/%d%%, want completed/100", got.Status, got.Progress)
	}
	if got.SelectedColumn == nil || *got.SelectedColumn != "keyword" {
		t.Errorf("selected column = %v", got.SelectedColumn)
	}

	var results []models.MatchResult
	if err := db.Where("file_id = ?", file.ID).Order("row_index").Find(&results).Error; err != nil {
		t.Fatal(err)
	}
	if len(results) != rows {
		t.Fatalf("got %d results, want %d", len(results), rows)
	}
	for _, r := range results {
		if r.Status != models.ResultStatusProcessed {
			t.Errorf("row %d status = %s", r.RowIndex, r.Status)
		}
		if r.SelectedSuggestion == nil || r.MatchScore == nil {
			t.Errorf("row %d has no selection", r.RowIndex)
			continue
		}
		// The exact-match candidate always wins against its variant.
		if r.SelectedSuggestion.Value != r.OriginalValue {
			t.Errorf("row %d selected %q for %q", r.RowIndex, r.SelectedSuggestion.Value, r.OriginalValue)
		}
		if *r.MatchScore != 95 {
			t.Errorf("row %d score = %d, want 95 for exact match", r.RowIndex, *r.MatchScore)
		}
	}
}

func TestProcessColumnSyncRowFailureDoesNotAbort(t *testing.T) {
	db := testDB(t)
	path, rows := writeKeywordFile(t, []string{"good", "bad", "fine"})

	file := models.File{
		StoredName: "t.xlsx", OriginalName: "t.xlsx", Path: path,
		Columns: []string{"keyword"}, RowCount: rows, Status: models.FileStatusUploaded,
	}
	if err := db.Create(&file).Error; err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Delete(&models.MatchResult{}, "file_id = ?", file.ID); db.Delete(&file) })

	p := newTestProcessor(db, stubSuggester{failOn: map[string]bool{"bad": true}})
	if err := p.ProcessColumnSync(context.Background(), file.ID, "keyword"); err != nil {
		t.Fatalf("ProcessColumnSync: %v", err)
	}

	var failed models.MatchResult
	if err := db.Where("file_id = ? AND status = ?", file.ID, models.ResultStatusFailed).
		First(&failed).Error; err != nil {
		t.Fatalf("expected a failed row: %v", err)
	}
	if failed.OriginalValue != "bad" {
		t.Errorf("failed row = %q, want bad", failed.OriginalValue)
	}

	var got models.File
	_ = db.First(&got, file.ID).Error
	if got.Status != models.FileStatusCompleted {
		t.Errorf("file status = %s, want completed despite row failure", got.Status)
	}
}

func TestProcessColumnSyncInvalidColumn(t *testing.T) {
	db := testDB(t)
	path, rows := writeKeywordFile(t, []string{"shoes"})

	file := models.File{
		StoredName: "t.xlsx", OriginalName: "t.xlsx", Path: path,
		Columns: []string{"keyword"}, RowCount: rows, Status: models.FileStatusUploaded,
	}
	if err := db.Create(&file).Error; err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Delete(&file) })

	p := newTestProcessor(db, stubSuggester{})
	err := p.ProcessColumnSync(context.Background(), file.ID, "nope")
	if !errors.Is(err, ErrInvalidColumn) {
		t.Fatalf("err = %v, want ErrInvalidColumn", err)
	}
}

// gateSuggester blocks the first Suggest call until released, so a test can
// hold a run mid-flight.
type gateSuggester struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateSuggester) Suggest(_ context.Context, keyword string, _ int) ([]models.Suggestion, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return []models.Suggestion{
		{Value: keyword, AudienceSize: 1_000_000, Source: models.SuggestionSourceMeta},
	}, nil
}

func TestSelectColumnConflict(t *testing.T) {
	db := testDB(t)
	path, rows := writeKeywordFile(t, []string{"shoes", "hats"})

	file := models.File{
		StoredName: "t.xlsx", OriginalName: "t.xlsx", Path: path,
		Columns: []string{"keyword"}, RowCount: rows, Status: models.FileStatusUploaded,
	}
	if err := db.Create(&file).Error; err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Delete(&models.MatchResult{}, "file_id = ?", file.ID); db.Delete(&file) })

	sug := &gateSuggester{started: make(chan struct{}), release: make(chan struct{})}
	p := newTestProcessor(db, sug)

	if err := p.SelectColumn(context.Background(), file.ID, "keyword"); err != nil {
		t.Fatalf("SelectColumn: %v", err)
	}
	<-sug.started

	// A second selection while the run is in flight is rejected.
	if err := p.SelectColumn(context.Background(), file.ID, "keyword"); !errors.Is(err, ErrAlreadyProcessing) {
		t.Fatalf("second call err = %v, want ErrAlreadyProcessing", err)
	}
	close(sug.release)

	deadline := time.Now().Add(15 * time.Second)
	var got models.File
	for time.Now().Before(deadline) {
		if err := db.First(&got, file.ID).Error; err != nil {
			t.Fatal(err)
		}
		if got.Status == models.FileStatusCompleted || got.Status == models.FileStatusError {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got.Status != models.FileStatusCompleted {
		t.Fatalf("file status = %s, want completed", got.Status)
	}

	// The rejected call must not have doubled the rows.
	var count int64
	if err := db.Model(&models.MatchResult{}).Where("file_id = ?", file.ID).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != int64(rows) {
		t.Errorf("result count = %d, want %d", count, rows)
	}

	// The per-file lock entry is dropped once the run ends.
	entries := -1
	for time.Now().Before(deadline) {
		entries = 0
		p.locks.Range(func(_, _ any) bool { entries++; return true })
		if entries == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if entries != 0 {
		t.Errorf("%d lock entries left after the run, want 0", entries)
	}
}

func TestResumePending(t *testing.T) {
	db := testDB(t)
	file := models.File{
		StoredName: "t.xlsx", OriginalName: "t.xlsx", Path: "unused",
		Columns: []string{"keyword"}, RowCount: 2, Status: models.FileStatusProcessing,
	}
	if err := db.Create(&file).Error; err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Delete(&models.MatchResult{}, "file_id = ?", file.ID); db.Delete(&file) })

	for i, kw := range []string{"shoes", "hats"} {
		r := models.MatchResult{FileID: file.ID, RowIndex: i + 1, OriginalValue: kw, Status: models.ResultStatusPending}
		if err := db.Create(&r).Error; err != nil {
			t.Fatal(err)
		}
	}

	p := newTestProcessor(db, stubSuggester{})
	n, err := p.ResumePending(context.Background(), file.ID)
	if err != nil {
		t.Fatalf("ResumePending: %v", err)
	}
	if n != 2 {
		t.Errorf("resumed %d rows, want 2", n)
	}

	var pending int64
	_ = db.Model(&models.MatchResult{}).
		Where("file_id = ? AND status = ?", file.ID, models.ResultStatusPending).
		Count(&pending).Error
	if pending != 0 {
		t.Errorf("%d rows still pending", pending)
	}
	var got models.File
	_ = db.First(&got, file.ID).Error
	if got.Status != models.FileStatusCompleted {
		t.Errorf("file status = %s, want completed", got.Status)
	}
}

func TestChangeSelectedSuggestion(t *testing.T) {
	db := testDB(t)
	file := models.File{
		StoredName: "t.xlsx", OriginalName: "t.xlsx", Path: "unused",
		Columns: []string{"keyword"}, RowCount: 1, Status: models.FileStatusCompleted,
	}
	if err := db.Create(&file).Error; err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Delete(&models.MatchResult{}, "file_id = ?", file.ID); db.Delete(&file) })

	s1, s2 := 95, 60
	r := models.MatchResult{FileID: file.ID, RowIndex: 1, OriginalValue: "shoes"}
	if err := r.MarkProcessed([]models.Suggestion{
		{Value: "Shoes", Score: &s1, Source: models.SuggestionSourceMeta},
		{Value: "Shoes Marketing", Score: &s2, Source: models.SuggestionSourceMeta},
	}, 0); err != nil {
		t.Fatal(err)
	}
	if err := db.Create(&r).Error; err != nil {
		t.Fatal(err)
	}

	p := newTestProcessor(db, stubSuggester{})
	got, err := p.ChangeSelectedSuggestion(context.Background(), r.ID, 1)
	if err != nil {
		t.Fatalf("ChangeSelectedSuggestion: %v", err)
	}
	if got.SelectedSuggestion.Value != "Shoes Marketing" || *got.MatchScore != 60 {
		t.Errorf("selection = %+v score %v", got.SelectedSuggestion, got.MatchScore)
	}

	if _, err := p.ChangeSelectedSuggestion(context.Background(), r.ID, 9); !errors.Is(err, models.ErrInvalidSuggestionIndex) {
		t.Fatalf("err = %v, want ErrInvalidSuggestionIndex", err)
	}

	// Exactly one candidate stays selected after the move.
	var reread models.MatchResult
	if err := db.First(&reread, r.ID).Error; err != nil {
		t.Fatal(err)
	}
	selected := 0
	for _, s := range reread.Suggestions {
		if s.IsSelected {
			selected++
		}
	}
	if selected != 1 {
		t.Errorf("%d candidates selected, want 1", selected)
	}
}
