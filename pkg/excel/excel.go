package excel

import (
	"fmt"
	"os"

	"github.com/xuri/excelize/v2"
)

// Info holds the basic shape of a workbook: the first sheet's header row and
// the number of data rows below it.
type Info struct {
	Columns  []string
	RowCount int
}

// CellValue is one non-empty cell read from a column. RowIndex is the 1-based
// position of the cell among the data rows (header excluded) and stays stable
// across chunked reads.
type CellValue struct {
	Value    string
	RowIndex int
}

// ReadInfo opens the workbook at path and extracts the header columns and
// data-row count of the first sheet. Rows are consumed through the streaming
// iterator so counting never materializes the whole sheet in memory.
func ReadInfo(path string) (Info, error) {
	if _, err := os.Stat(path); err != nil {
		return Info{}, fmt.Errorf("%w: %s", ErrUnreadableFile, path)
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrUnreadableFile, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Info{}, fmt.Errorf("%w: workbook has no sheets", ErrUnreadableFile)
	}

	rows, err := f.Rows(sheets[0])
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrUnreadableFile, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return Info{}, fmt.Errorf("%w: sheet %q is empty", ErrUnreadableFile, sheets[0])
	}
	header, err := rows.Columns()
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrUnreadableFile, err)
	}
	if len(header) == 0 {
		return Info{}, fmt.Errorf("%w: sheet %q has no header row", ErrUnreadableFile, sheets[0])
	}

	count := 0
	for rows.Next() {
		count++
	}
	if err := rows.Error(); err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrUnreadableFile, err)
	}
	return Info{Columns: header, RowCount: count}, nil
}

// ReadColumnChunk reads the cells of one column for the inclusive 1-based
// data-row window [startRow, endRow], skipping empty cells. Row positions in
// the returned slice match the row's place in the original sheet regardless
// of how many cells were empty before it.
func ReadColumnChunk(path, column string, startRow, endRow int) ([]CellValue, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableFile, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrUnreadableFile)
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableFile, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("%w: sheet %q is empty", ErrUnreadableFile, sheets[0])
	}
	header, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableFile, err)
	}
	colIdx := -1
	for i, name := range header {
		if name == column {
			colIdx = i
			break
		}
	}
	if colIdx < 0 {
		return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, column)
	}

	var out []CellValue
	rowIndex := 0
	for rows.Next() {
		rowIndex++
		if rowIndex < startRow {
			continue
		}
		if rowIndex > endRow {
			break
		}
		cells, err := rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreadableFile, err)
		}
		if colIdx >= len(cells) {
			continue // trailing cells of a short row are empty
		}
		if cells[colIdx] == "" {
			continue
		}
		out = append(out, CellValue{Value: cells[colIdx], RowIndex: rowIndex})
	}
	if err := rows.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableFile, err)
	}
	return out, nil
}
