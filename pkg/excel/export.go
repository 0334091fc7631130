package excel

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/angelogeraci/excel-meta-ai-matcher/models"
)

// ExportOptions controls the column set and format of an export.
type ExportOptions struct {
	Format                string // "xlsx" or "csv"
	IncludeScores         bool
	IncludeAllSuggestions bool
	OutputDir             string
}

// exportBatchSize bounds how many result rows are materialized per write
// pass, so large exports never build the whole sheet in one allocation.
const exportBatchSize = 5000

// maxAlternatives is how many non-selected candidates the export carries.
const maxAlternatives = 3

// Export renders results into a spreadsheet under opts.OutputDir and returns
// the file's path and name. The output is ephemeral; the caller removes it
// once streamed to the client.
func Export(results []models.MatchResult, opts ExportOptions) (string, string, error) {
	if opts.Format != "xlsx" && opts.Format != "csv" {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, opts.Format)
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return "", "", err
	}

	name := fmt.Sprintf("meta-matcher-results-%s-%s.%s",
		time.Now().Format("20060102-150405"), uuid.NewString()[:8], opts.Format)
	outputPath := filepath.Join(opts.OutputDir, name)

	var err error
	if opts.Format == "xlsx" {
		err = writeXLSX(outputPath, results, opts)
	} else {
		err = writeCSV(outputPath, results, opts)
	}
	if err != nil {
		_ = os.Remove(outputPath)
		return "", "", err
	}
	return outputPath, name, nil
}

func exportHeaders(opts ExportOptions) []string {
	headers := []string{"Original Keyword", "Meta Suggestion", "Audience (millions)"}
	if opts.IncludeScores {
		headers = append(headers, "Match Score")
	}
	if opts.IncludeAllSuggestions {
		for i := 1; i <= maxAlternatives; i++ {
			headers = append(headers, fmt.Sprintf("Alternative %d", i))
		}
		if opts.IncludeScores {
			for i := 1; i <= maxAlternatives; i++ {
				headers = append(headers, fmt.Sprintf("Alt. %d Score", i))
			}
		}
	}
	return headers
}

// exportRow builds one export row in the column order implied by opts.
func exportRow(r *models.MatchResult, opts ExportOptions) []string {
	row := make([]string, 0, 10)
	row = append(row, r.OriginalValue)
	if r.SelectedSuggestion != nil {
		row = append(row, r.SelectedSuggestion.Value,
			fmt.Sprintf("%.1f", float64(r.SelectedSuggestion.AudienceSize)/1e6))
	} else {
		row = append(row, "", "")
	}
	if opts.IncludeScores {
		if r.MatchScore != nil {
			row = append(row, strconv.Itoa(*r.MatchScore))
		} else {
			row = append(row, "")
		}
	}
	if opts.IncludeAllSuggestions {
		var alts []models.Suggestion
		for _, s := range r.Suggestions {
			if !s.IsSelected {
				alts = append(alts, s)
			}
			if len(alts) == maxAlternatives {
				break
			}
		}
		for i := 0; i < maxAlternatives; i++ {
			if i < len(alts) {
				row = append(row, alts[i].Value)
			} else {
				row = append(row, "")
			}
		}
		if opts.IncludeScores {
			for i := 0; i < maxAlternatives; i++ {
				if i < len(alts) && alts[i].Score != nil {
					row = append(row, strconv.Itoa(*alts[i].Score))
				} else {
					row = append(row, "")
				}
			}
		}
	}
	return row
}

func writeXLSX(path string, results []models.MatchResult, opts ExportOptions) error {
	f := excelize.NewFile()
	defer f.Close()

	sw, err := f.NewStreamWriter("Sheet1")
	if err != nil {
		return err
	}
	headers := exportHeaders(opts)
	headerCells := make([]interface{}, len(headers))
	for i, h := range headers {
		headerCells[i] = h
	}
	if err := sw.SetRow("A1", headerCells); err != nil {
		return err
	}

	rowNum := 2
	for start := 0; start < len(results); start += exportBatchSize {
		end := start + exportBatchSize
		if end > len(results) {
			end = len(results)
		}
		for i := start; i < end; i++ {
			row := exportRow(&results[i], opts)
			cells := make([]interface{}, len(row))
			for j, v := range row {
				cells[j] = v
			}
			cell, err := excelize.CoordinatesToCellName(1, rowNum)
			if err != nil {
				return err
			}
			if err := sw.SetRow(cell, cells); err != nil {
				return err
			}
			rowNum++
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}
	return f.SaveAs(path)
}

func writeCSV(path string, results []models.MatchResult, opts ExportOptions) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	w := csv.NewWriter(out)
	if err := w.Write(exportHeaders(opts)); err != nil {
		return err
	}
	for start := 0; start < len(results); start += exportBatchSize {
		end := start + exportBatchSize
		if end > len(results) {
			end = len(results)
		}
		for i := start; i < end; i++ {
			if err := w.Write(exportRow(&results[i], opts)); err != nil {
				return err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
