package main

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/angelogeraci/excel-meta-ai-matcher/models"
	"github.com/angelogeraci/excel-meta-ai-matcher/pkg/excel"
	"github.com/angelogeraci/excel-meta-ai-matcher/pkg/pipeline"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const maxUploadBytes = 10 * 1024 * 1024

var allowedExtensions = map[string]bool{".xls": true, ".xlsx": true, ".xlsm": true}

func fileJSON(f *models.File) gin.H {
	return gin.H{
		"id":             f.ID,
		"originalName":   f.OriginalName,
		"size":           f.Size,
		"columns":        f.Columns,
		"rowCount":       f.RowCount,
		"selectedColumn": f.SelectedColumn,
		"status":         f.Status,
		"progress":       f.Progress,
		"processedRows":  f.ProcessedRows,
		"errorMessage":   f.ErrorMessage,
		"createdAt":      f.CreatedAt,
	}
}

// uploadFileHandler stores a spreadsheet under a random name and extracts its
// header columns and row count before answering.
func uploadFileHandler(c *gin.Context) {
	if _, ok := getUserFromContext(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file missing"})
		return
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large (max 10MB)"})
		return
	}
	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !allowedExtensions[ext] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type (expected .xls, .xlsx or .xlsm)"})
		return
	}

	storedName := uuid.NewString() + ext
	fullPath := filepath.Join(uploadBaseDir(), storedName)
	if err := c.SaveUploadedFile(file, fullPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save failed"})
		return
	}

	info, err := excel.ReadInfo(fullPath)
	if err != nil {
		_ = os.Remove(fullPath)
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read spreadsheet: " + err.Error()})
		return
	}

	f := models.File{
		StoredName:   storedName,
		OriginalName: file.Filename,
		Path:         fullPath,
		Size:         file.Size,
		Columns:      info.Columns,
		RowCount:     info.RowCount,
		Status:       models.FileStatusUploaded,
	}
	if err := db.Create(&f).Error; err != nil {
		_ = os.Remove(fullPath)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db save failed"})
		return
	}
	c.JSON(http.StatusCreated, fileJSON(&f))
}

// paginationJSON is the envelope shared by the list endpoints.
func paginationJSON(page, limit int, total int64) gin.H {
	totalPages := int((total + int64(limit) - 1) / int64(limit))
	return gin.H{
		"currentPage":  page,
		"totalPages":   totalPages,
		"totalItems":   total,
		"itemsPerPage": limit,
	}
}

func listFilesHandler(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit < 1 || limit > 100 {
		limit = 20
	}

	q := db.Model(&models.File{})
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	var files []models.File
	if err := q.Order("id desc").Offset((page - 1) * limit).Limit(limit).Find(&files).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	out := make([]gin.H, 0, len(files))
	for i := range files {
		out = append(out, fileJSON(&files[i]))
	}
	c.JSON(http.StatusOK, gin.H{"files": out, "pagination": paginationJSON(page, limit, total)})
}

func getFileHandler(c *gin.Context) {
	var f models.File
	if err := db.First(&f, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	c.JSON(http.StatusOK, fileJSON(&f))
}

// fileStatusHandler is the polling endpoint used while a run is in flight.
func fileStatusHandler(c *gin.Context) {
	var f models.File
	if err := db.First(&f, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         f.Status,
		"progress":       f.Progress,
		"processedCount": f.ProcessedRows,
		"totalCount":     f.RowCount,
		"selectedColumn": f.SelectedColumn,
		"errorMessage":   f.ErrorMessage,
	})
}

// selectColumnHandler kicks off a background processing run on the chosen
// column.
func selectColumnHandler(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	var req struct {
		Column string `json:"column" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch err := processor.SelectColumn(c.Request.Context(), uint(id), req.Column); {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"id": id, "selectedColumn": req.Column, "status": models.FileStatusProcessing})
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
	case errors.Is(err, pipeline.ErrInvalidColumn):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, pipeline.ErrAlreadyProcessing):
		c.JSON(http.StatusConflict, gin.H{"error": "file is already processing"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// exportFileHandler renders the file's results as a spreadsheet, streams it
// and removes the temporary file afterwards.
func exportFileHandler(c *gin.Context) {
	var f models.File
	if err := db.First(&f, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	var results []models.MatchResult
	if err := db.Where("file_id = ?", f.ID).Order("row_index asc").Find(&results).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	opts := excel.ExportOptions{
		Format:                c.DefaultQuery("format", "xlsx"),
		IncludeScores:         c.DefaultQuery("includeScores", "true") == "true",
		IncludeAllSuggestions: c.Query("includeAllSuggestions") == "true",
		OutputDir:             exportBaseDir(),
	}
	path, name, err := excel.Export(results, opts)
	if err != nil {
		if errors.Is(err, excel.ErrUnsupportedFormat) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}
	defer os.Remove(path)
	c.FileAttachment(path, name)
}

// deleteFileHandler removes the file row, its results and the stored
// spreadsheet.
func deleteFileHandler(c *gin.Context) {
	var f models.File
	if err := db.First(&f, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	if err := db.Where("file_id = ?", f.ID).Delete(&models.MatchResult{}).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	if err := db.Delete(&f).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		// Row is gone; the orphan file gets picked up by the cleanup command.
		c.JSON(http.StatusOK, gin.H{"message": "file deleted", "warning": "stored file not removed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "file deleted"})
}
