package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/angelogeraci/excel-meta-ai-matcher/pkg/ai"
	"github.com/angelogeraci/excel-meta-ai-matcher/pkg/meta"
	"github.com/angelogeraci/excel-meta-ai-matcher/pkg/pipeline"
)

var jwtSecret []byte // loaded from env JWT_SECRET (fallback to dev default)

var (
	metaClient       *meta.Client
	processor        *pipeline.Processor
	openaiConfigured bool
)

func main() {
	// Auto-load ./.env if present (no external dependency) before reading vars
	loadDotEnv()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-insecure-secret-change" // development fallback
	}
	jwtSecret = []byte(secret)

	// Support a lightweight migrate command: `./matcher migrate`
	// It runs AutoMigrate and seeding then exits. Useful for CI or manual DB setup.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		initDB()
		fmt.Println("migration and seeding completed")
		return
	}

	initDB()
	setupServices()

	r := gin.Default()

	setupRoutes(r)

	port := os.Getenv("PORT")
	if port == "" {
		port = "5000"
	}
	r.Run(":" + port)
}

// setupServices wires the Meta client, the scorer and the processor shared by
// all handlers.
func setupServices() {
	metaClient = meta.NewClientFromEnv()
	metaClient.AllowFallback = true
	if v := strings.ToLower(os.Getenv("META_DISABLE_FALLBACK")); v == "true" || v == "1" {
		metaClient.AllowFallback = false
	}

	var scorer ai.Scorer = ai.NewHeuristicScorer()
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		openaiConfigured = true
		scorer = &ai.FallbackScorer{
			Primary:  ai.NewOpenAIScorer(key),
			Fallback: ai.NewHeuristicScorer(),
		}
	}

	processor = &pipeline.Processor{
		DB:        db,
		Suggester: metaClient,
		Scorer:    scorer,
	}
}

// loadDotEnv loads key=value pairs from a local .env file into the environment
// without overwriting variables that are already set. Lines starting with # are ignored.
func loadDotEnv() {
	path := ".env"
	if _, err := os.Stat(path); err != nil {
		return // no .env file
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// split on first '='
		if eq := strings.IndexByte(line, '='); eq > 0 {
			key := strings.TrimSpace(line[:eq])
			val := strings.TrimSpace(line[eq+1:])
			if _, exists := os.LookupEnv(key); !exists {
				_ = os.Setenv(key, val)
			}
		}
	}
}
