package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/angelogeraci/excel-meta-ai-matcher/models"

	"github.com/gin-gonic/gin"
)

func resultJSON(r *models.MatchResult) gin.H {
	return gin.H{
		"id":                 r.ID,
		"fileId":             r.FileID,
		"rowIndex":           r.RowIndex,
		"originalValue":      r.OriginalValue,
		"suggestions":        r.Suggestions,
		"selectedSuggestion": r.SelectedSuggestion,
		"matchScore":         r.MatchScore,
		"status":             r.Status,
		"errorMessage":       r.ErrorMessage,
	}
}

// listResultsHandler returns the results of one file, filtered and paginated.
func listResultsHandler(c *gin.Context) {
	fileID, err := strconv.ParseUint(c.Query("fileId"), 10, 64)
	if err != nil || fileID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fileId query parameter required"})
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}

	q := db.Model(&models.MatchResult{}).Where("file_id = ?", fileID)
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	if v := c.Query("minScore"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q = q.Where("match_score >= ?", n)
		}
	}
	if v := c.Query("maxScore"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q = q.Where("match_score <= ?", n)
		}
	}
	if search := c.Query("query"); search != "" {
		like := "%" + search + "%"
		q = q.Where("original_value ILIKE ? OR selected_suggestion->>'value' ILIKE ?", like, like)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	var results []models.MatchResult
	if err := q.Order("row_index asc").Offset((page - 1) * limit).Limit(limit).Find(&results).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	out := make([]gin.H, 0, len(results))
	for i := range results {
		out = append(out, resultJSON(&results[i]))
	}
	c.JSON(http.StatusOK, gin.H{"results": out, "pagination": paginationJSON(page, limit, total)})
}

// processResultHandler re-fetches suggestions and re-scores a single row.
func processResultHandler(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	result, err := processor.ProcessResult(c.Request.Context(), uint(id))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	c.JSON(http.StatusOK, resultJSON(result))
}

// changeSuggestionHandler moves the selection to another candidate of an
// already processed row.
func changeSuggestionHandler(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	var req struct {
		Index *int `json:"index" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := processor.ChangeSelectedSuggestion(c.Request.Context(), uint(id), *req.Index)
	if err != nil {
		if errors.Is(err, models.ErrInvalidSuggestionIndex) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	c.JSON(http.StatusOK, resultJSON(result))
}

func deleteResultHandler(c *gin.Context) {
	var result models.MatchResult
	if err := db.First(&result, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
		return
	}
	if err := db.Delete(&result).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "result deleted"})
}

func bulkDeleteResultsHandler(c *gin.Context) {
	var req struct {
		IDs []uint `json:"ids" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res := db.Where("id IN ?", req.IDs).Delete(&models.MatchResult{})
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": res.RowsAffected})
}

// suggestionsHandler exposes raw candidate lookup for ad-hoc queries from the
// UI.
func suggestionsHandler(c *gin.Context) {
	keyword := c.Query("keyword")
	if keyword == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "keyword query parameter required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if limit < 1 || limit > 50 {
		limit = 10
	}
	suggestions, err := metaClient.Suggest(c.Request.Context(), keyword, limit)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keyword": keyword, "suggestions": suggestions})
}

// batchSuggestionsHandler looks up several keywords sequentially, pacing the
// provider calls like the pipeline does.
func batchSuggestionsHandler(c *gin.Context) {
	var req struct {
		Keywords []string `json:"keywords" binding:"required,min=1,max=100"`
		Limit    int      `json:"limit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit := req.Limit
	if limit < 1 || limit > 50 {
		limit = 10
	}
	out := make([]gin.H, 0, len(req.Keywords))
	for i, kw := range req.Keywords {
		suggestions, err := metaClient.Suggest(c.Request.Context(), kw, limit)
		if err != nil {
			out = append(out, gin.H{"keyword": kw, "error": err.Error()})
		} else {
			out = append(out, gin.H{"keyword": kw, "suggestions": suggestions})
		}
		if i < len(req.Keywords)-1 {
			time.Sleep(100 * time.Millisecond)
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}
