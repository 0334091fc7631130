package excel

import "errors"

// ErrUnreadableFile is returned when the workbook is missing, corrupt or has
// no sheets/header row to work with.
var ErrUnreadableFile = errors.New("unreadable workbook")

// ErrColumnNotFound is returned when the requested column is not part of the
// header row.
var ErrColumnNotFound = errors.New("column not found")

// ErrUnsupportedFormat is returned for export formats other than xlsx/csv.
var ErrUnsupportedFormat = errors.New("unsupported export format")
