// Package pipeline drives the processing run of an uploaded file: it walks
// the selected column in windows, fetches targeting candidates for every
// cell, scores them and persists one MatchResult per row.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/angelogeraci/excel-meta-ai-matcher/models"
	"github.com/angelogeraci/excel-meta-ai-matcher/pkg/ai"
	"github.com/angelogeraci/excel-meta-ai-matcher/pkg/excel"
)

// ErrInvalidColumn is returned when the requested column is not part of the
// file's header.
var ErrInvalidColumn = errors.New("pipeline: column not in file header")

// ErrAlreadyProcessing is returned when a run is requested for a file whose
// run is still in flight.
var ErrAlreadyProcessing = errors.New("pipeline: file is already processing")

// Suggester produces targeting candidates for a keyword.
type Suggester interface {
	Suggest(ctx context.Context, keyword string, limit int) ([]models.Suggestion, error)
}

// Processor owns the per-file processing runs. One Processor is shared by the
// HTTP handlers and the batch commands.
type Processor struct {
	DB           *gorm.DB
	Suggester    Suggester
	Scorer       ai.Scorer
	SuggestLimit int           // candidates fetched per keyword, default 10
	Delay        time.Duration // pause between provider calls, default 100ms

	locks sync.Map // file ID -> *sync.Mutex, evicted when the run ends
}

func (p *Processor) suggestLimit() int {
	if p.SuggestLimit > 0 {
		return p.SuggestLimit
	}
	return 10
}

func (p *Processor) delay() time.Duration {
	if p.Delay > 0 {
		return p.Delay
	}
	return 100 * time.Millisecond
}

func (p *Processor) lockFor(fileID uint) *sync.Mutex {
	mu, _ := p.locks.LoadOrStore(fileID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// unlock releases the file's mutex and drops its map entry so deleted files
// don't accumulate locks over the process lifetime. A racing lockFor may mint
// a fresh mutex; the processing status check in begin still rejects overlap.
func (p *Processor) unlock(fileID uint, mu *sync.Mutex) {
	mu.Unlock()
	p.locks.Delete(fileID)
}

// windowSize picks how many spreadsheet rows one read window covers. Bigger
// files get smaller windows so progress stays visible and memory bounded.
func windowSize(rowCount int) int {
	switch {
	case rowCount > 50_000:
		return 500
	case rowCount > 10_000:
		return 1000
	default:
		return 2000
	}
}

// progressCheckpoint reports whether the counters should hit the database
// after this window: every fifth window and on the last one. Anything more
// frequent just amplifies writes on big files.
func progressCheckpoint(windows, end, rowCount int) bool {
	return windows%5 == 0 || end >= rowCount
}

// begin validates the request and moves the file into the processing state
// while holding the file's lock. The caller must already hold the lock.
func (p *Processor) begin(ctx context.Context, fileID uint, column string) (*models.File, error) {
	var file models.File
	if err := p.DB.WithContext(ctx).First(&file, fileID).Error; err != nil {
		return nil, err
	}
	if file.Status == models.FileStatusProcessing {
		return nil, ErrAlreadyProcessing
	}
	if !file.HasColumn(column) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidColumn, column)
	}
	file.StartProcessing(column)
	if err := p.DB.WithContext(ctx).Save(&file).Error; err != nil {
		return nil, err
	}
	return &file, nil
}

// SelectColumn starts a processing run for the file in the background and
// returns once the file is in the processing state. A second call while the
// run is in flight returns ErrAlreadyProcessing.
func (p *Processor) SelectColumn(ctx context.Context, fileID uint, column string) error {
	mu := p.lockFor(fileID)
	if !mu.TryLock() {
		return ErrAlreadyProcessing
	}
	file, err := p.begin(ctx, fileID, column)
	if err != nil {
		p.unlock(fileID, mu)
		return err
	}
	go func() {
		defer p.unlock(fileID, mu)
		// The run outlives the HTTP request that started it.
		p.run(context.Background(), file, column)
	}()
	return nil
}

// ProcessColumnSync runs the whole pipeline inline. Used by the batch
// commands and the tests.
func (p *Processor) ProcessColumnSync(ctx context.Context, fileID uint, column string) error {
	mu := p.lockFor(fileID)
	if !mu.TryLock() {
		return ErrAlreadyProcessing
	}
	defer p.unlock(fileID, mu)
	file, err := p.begin(ctx, fileID, column)
	if err != nil {
		return err
	}
	return p.run(ctx, file, column)
}

func (p *Processor) run(ctx context.Context, file *models.File, column string) error {
	// A rerun replaces everything from the previous run.
	if err := p.DB.WithContext(ctx).Where("file_id = ?", file.ID).
		Delete(&models.MatchResult{}).Error; err != nil {
		return p.fail(ctx, file, fmt.Sprintf("clearing previous results: %v", err))
	}

	window := windowSize(file.RowCount)
	processed := 0
	windows := 0

	for start := 1; start <= file.RowCount; start += window {
		end := start + window - 1
		if end > file.RowCount {
			end = file.RowCount
		}

		cells, err := excel.ReadColumnChunk(file.Path, column, start, end)
		if err != nil {
			return p.fail(ctx, file, err.Error())
		}

		results := make([]models.MatchResult, 0, len(cells))
		for _, cell := range cells {
			results = append(results, models.MatchResult{
				FileID:        file.ID,
				RowIndex:      cell.RowIndex,
				OriginalValue: cell.Value,
				Status:        models.ResultStatusPending,
			})
		}
		if len(results) > 0 {
			if err := p.DB.WithContext(ctx).CreateInBatches(results, 500).Error; err != nil {
				return p.fail(ctx, file, fmt.Sprintf("storing rows: %v", err))
			}
		}

		for i := range results {
			p.scoreResult(ctx, &results[i])
			time.Sleep(p.delay())
		}

		processed += end - start + 1
		windows++
		file.ProcessedRows = processed
		if progressCheckpoint(windows, end, file.RowCount) {
			file.Progress = processed * 100 / file.RowCount
			if err := p.DB.WithContext(ctx).Model(file).
				Updates(map[string]interface{}{
					"processed_rows": file.ProcessedRows,
					"progress":       file.Progress,
				}).Error; err != nil {
				log.Printf("pipeline: progress update for file %d: %v", file.ID, err)
			}
		}
	}

	file.CompleteProcessing()
	if err := p.DB.WithContext(ctx).Save(file).Error; err != nil {
		return err
	}
	log.Printf("pipeline: file %d column %q done, %d rows", file.ID, column, processed)
	return nil
}

func (p *Processor) fail(ctx context.Context, file *models.File, message string) error {
	file.MarkError(message)
	if err := p.DB.WithContext(ctx).Save(file).Error; err != nil {
		log.Printf("pipeline: saving error state for file %d: %v", file.ID, err)
	}
	return fmt.Errorf("pipeline: file %d: %s", file.ID, message)
}

// scoreResult fetches candidates for one row, scores them and persists the
// outcome. Row-level failures never abort the run.
func (p *Processor) scoreResult(ctx context.Context, result *models.MatchResult) {
	suggestions, err := p.Suggester.Suggest(ctx, result.OriginalValue, p.suggestLimit())
	if err != nil {
		result.MarkFailed(fmt.Sprintf("fetching suggestions: %v", err))
	} else if len(suggestions) == 0 {
		result.MarkFailed("no suggestions returned")
	} else {
		scored, err := p.Scorer.Score(ctx, result.OriginalValue, suggestions)
		if err != nil {
			result.MarkFailed(fmt.Sprintf("scoring: %v", err))
		} else if err := result.MarkProcessed(scored.Scored, scored.BestIndex); err != nil {
			result.MarkFailed(fmt.Sprintf("selecting best match: %v", err))
		}
	}
	if err := p.DB.WithContext(ctx).Save(result).Error; err != nil {
		log.Printf("pipeline: saving result %d: %v", result.ID, err)
	}
}

// ProcessResult re-runs suggestion fetching and scoring for a single row.
func (p *Processor) ProcessResult(ctx context.Context, resultID uint) (*models.MatchResult, error) {
	var result models.MatchResult
	if err := p.DB.WithContext(ctx).First(&result, resultID).Error; err != nil {
		return nil, err
	}
	p.scoreResult(ctx, &result)
	return &result, nil
}

// ResumePending picks up rows a previous run left pending, scores them and
// completes the file if nothing pending remains. Used after a restart.
func (p *Processor) ResumePending(ctx context.Context, fileID uint) (int, error) {
	mu := p.lockFor(fileID)
	if !mu.TryLock() {
		return 0, ErrAlreadyProcessing
	}
	defer p.unlock(fileID, mu)

	var pending []models.MatchResult
	if err := p.DB.WithContext(ctx).
		Where("file_id = ? AND status = ?", fileID, models.ResultStatusPending).
		Order("row_index ASC").Find(&pending).Error; err != nil {
		return 0, err
	}
	for i := range pending {
		p.scoreResult(ctx, &pending[i])
		time.Sleep(p.delay())
	}

	var file models.File
	if err := p.DB.WithContext(ctx).First(&file, fileID).Error; err != nil {
		return len(pending), err
	}
	if file.Status == models.FileStatusProcessing {
		file.CompleteProcessing()
		if err := p.DB.WithContext(ctx).Save(&file).Error; err != nil {
			return len(pending), err
		}
	}
	return len(pending), nil
}

// ChangeSelectedSuggestion re-points a processed result at another candidate.
func (p *Processor) ChangeSelectedSuggestion(ctx context.Context, resultID uint, index int) (*models.MatchResult, error) {
	var result models.MatchResult
	if err := p.DB.WithContext(ctx).First(&result, resultID).Error; err != nil {
		return nil, err
	}
	if err := result.ChangeSelectedSuggestion(index); err != nil {
		return nil, err
	}
	if err := p.DB.WithContext(ctx).Save(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}
