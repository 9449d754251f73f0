package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string

	// ModelsDir is the managed storage root; every destination must stay
	// inside it. DataDir holds the queue database.
	ModelsDir string
	DataDir   string

	MaxParallel         int
	ChunkSize           int
	CheckpointInterval  time.Duration
	StallTimeout        time.Duration
	DownloadHTTPTimeout time.Duration
	DownloadRetryMax    int
	DownloadRetryDelays []time.Duration
	DownloadMaxBytes    int64

	DownloadAllowPrivate bool
	DownloadAllowedHosts []string

	HuggingFaceToken string
	CivitaiToken     string

	SpeedWindow    time.Duration
	DiskMargin     float64
	DiskMinFree    int64
	HistoryLimit   int
	ProgressBuffer int
}

var AppConfig Config

// getEnv returns the environment value or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvInt64(key string, defaultValue int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvBool(key string, defaultValue bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if value == "" {
		return defaultValue
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return defaultValue
	}
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvDurationList(key string, defaultValue []time.Duration) []time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	parts := strings.Split(raw, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		parsed, err := time.ParseDuration(part)
		if err != nil {
			return defaultValue
		}
		out = append(out, parsed)
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvList(key string, defaultValue []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// InitConfig loads configuration from the environment.
func InitConfig() {
	modelsDir := getEnv("MODELS_DIR", "models")
	dataDir := getEnv("DATA_DIR", "")
	if dataDir == "" {
		dataDir = filepath.Join(modelsDir, ".modelvault")
	}
	retryDelays := getEnvDurationList(
		"DOWNLOAD_RETRY_DELAYS",
		[]time.Duration{10 * time.Second, 30 * time.Second, 2 * time.Minute, 10 * time.Minute, 30 * time.Minute},
	)
	AppConfig = Config{
		ListenAddr:           getEnv("LISTEN_ADDR", ":8188"),
		ModelsDir:            modelsDir,
		DataDir:              dataDir,
		MaxParallel:          getEnvInt("DOWNLOAD_MAX_PARALLEL", 3),
		ChunkSize:            getEnvInt("DOWNLOAD_CHUNK_SIZE", 256*1024),
		CheckpointInterval:   getEnvDuration("DOWNLOAD_CHECKPOINT_INTERVAL", 2*time.Second),
		StallTimeout:         getEnvDuration("DOWNLOAD_STALL_TIMEOUT", 30*time.Second),
		DownloadHTTPTimeout:  getEnvDuration("DOWNLOAD_HTTP_TIMEOUT", 0),
		DownloadRetryMax:     getEnvInt("DOWNLOAD_RETRY_MAX", 5),
		DownloadRetryDelays:  retryDelays,
		DownloadMaxBytes:     getEnvInt64("DOWNLOAD_MAX_BYTES", 0),
		DownloadAllowPrivate: getEnvBool("DOWNLOAD_ALLOW_PRIVATE", false),
		DownloadAllowedHosts: getEnvList("DOWNLOAD_ALLOW_HOSTS", nil),
		HuggingFaceToken:     getEnv("HUGGINGFACE_TOKEN", ""),
		CivitaiToken:         getEnv("CIVITAI_API_KEY", ""),
		SpeedWindow:          getEnvDuration("PROGRESS_SPEED_WINDOW", 5*time.Second),
		DiskMargin:           getEnvFloat("DISK_SAFETY_MARGIN", 1.1),
		DiskMinFree:          getEnvInt64("DISK_MIN_FREE_BYTES", 1<<30),
		HistoryLimit:         getEnvInt("HISTORY_DEFAULT_LIMIT", 100),
		ProgressBuffer:       getEnvInt("PROGRESS_EVENT_BUFFER", 64),
	}
}
