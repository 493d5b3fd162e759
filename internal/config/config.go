package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string

	MaxHistorySize int
	MaxSteps       int
	RequestTimeout time.Duration
	ExecutionMode  string
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("AGENTHUB_DATA_DIR", "data")
	return Config{
		HTTPAddr: getEnv("AGENTHUB_HTTP_ADDR", ":8080"),
		DataDir:  dataDir,
		DBPath:   getEnv("AGENTHUB_DB_PATH", filepath.Join(dataDir, "agenthub.db")),

		MaxHistorySize: getEnvInt("AGENTHUB_MAX_HISTORY", 1000),
		MaxSteps:       getEnvInt("AGENTHUB_MAX_STEPS", 20),
		RequestTimeout: getEnvDuration("AGENTHUB_REQUEST_TIMEOUT", 60*time.Second),
		ExecutionMode:  getEnv("AGENTHUB_EXECUTION_MODE", "auto"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
