package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	Port               string
	DatabasePath       string
	LogLevel           string
	MaxUploadSizeBytes int64
	UploadStorageDir   string

	// Extraction model settings. The vision fallback model is used when the
	// primary vision provider reports itself unavailable.
	TextModelName           string
	VisionModelName         string
	VisionFallbackModelName string
	ExtractionTimeout       time.Duration
	VisionTimeout           time.Duration
	ExtractionMaxAttempts   int
	ExtractionBackoffBase   time.Duration

	// BalanceToleranceCents is the audit tolerance in hundredths of a
	// currency unit. Default 1 (= 0.01).
	BalanceToleranceCents int64

	JobWorkers  int
	PageWorkers int

	// FuzzySimilarityThreshold is the bigram-Jaccard percentage above which
	// an incoming transaction is flagged as a potential duplicate.
	FuzzySimilarityThreshold float64

	// AutoMatchThreshold is the confidence percentage at or above which a
	// credit transaction is auto-matched to an invoice.
	AutoMatchThreshold float64
}

var Cfg *AppConfig

func LoadConfig() {
	if err := godotenv.Load(); err != nil {
		log.Println("Info: no .env file found, relying on OS environment variables and defaults.")
	}

	log.Println("Loading application configuration...")

	extractionTimeout := getEnvAsDuration("EXTRACTION_TIMEOUT", 45*time.Second)
	visionTimeout := getEnvAsDuration("VISION_TIMEOUT", 90*time.Second)
	backoffBase := getEnvAsDuration("EXTRACTION_BACKOFF_BASE", 250*time.Millisecond)

	maxUploadSizeBytesStr := getEnv("MAX_UPLOAD_SIZE_BYTES", "20971520")
	maxUploadSizeBytes, err := strconv.ParseInt(maxUploadSizeBytesStr, 10, 64)
	if err != nil {
		log.Printf("WARNING: Invalid MAX_UPLOAD_SIZE_BYTES format '%s'. Using default 20MB. Error: %v", maxUploadSizeBytesStr, err)
		maxUploadSizeBytes = 20 * 1024 * 1024
	}

	toleranceCents := int64(getEnvAsInt("BALANCE_TOLERANCE_CENTS", 1))
	if toleranceCents < 0 {
		log.Printf("WARNING: BALANCE_TOLERANCE_CENTS must be >= 0, got %d. Using 1.", toleranceCents)
		toleranceCents = 1
	}

	Cfg = &AppConfig{
		Port:               getEnv("PORT", "8080"),
		DatabasePath:       getEnv("DATABASE_PATH", "./clearledger.db"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		MaxUploadSizeBytes: maxUploadSizeBytes,
		UploadStorageDir:   getEnv("UPLOAD_STORAGE_DIR", "./uploads"),

		TextModelName:           getEnv("GEMINI_TEXT_MODEL", "gemini-2.0-flash"),
		VisionModelName:         getEnv("GEMINI_VISION_MODEL", "gemini-2.0-flash"),
		VisionFallbackModelName: getEnv("GEMINI_VISION_FALLBACK_MODEL", "gemini-1.5-pro"),
		ExtractionTimeout:       extractionTimeout,
		VisionTimeout:           visionTimeout,
		ExtractionMaxAttempts:   getEnvAsInt("EXTRACTION_MAX_ATTEMPTS", 5),
		ExtractionBackoffBase:   backoffBase,

		BalanceToleranceCents: toleranceCents,

		JobWorkers:  getEnvAsInt("JOB_WORKERS", 5),
		PageWorkers: getEnvAsInt("PAGE_WORKERS", 4),

		FuzzySimilarityThreshold: getEnvAsFloat("FUZZY_SIMILARITY_THRESHOLD", 70),
		AutoMatchThreshold:       getEnvAsFloat("AUTO_MATCH_THRESHOLD", 80),
	}

	log.Printf("Configuration loaded: Port=%s, LogLevel=%s, DBPath=%s, JobWorkers=%d",
		Cfg.Port, Cfg.LogLevel, Cfg.DatabasePath, Cfg.JobWorkers)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid integer value for %s ('%s'), using default: %d", key, valueStr, fallback)
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	log.Printf("Invalid float value for %s ('%s'), using default: %g", key, valueStr, fallback)
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid duration value for %s ('%s'), using default: %s", key, valueStr, fallback.String())
	return fallback
}
