// Package config reads training settings from .env files and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	CheckpointDir     string
	LogDir            string
	TrainCSV          string
	ValCSV            string
	BatchSize         int
	Shuffle           bool
	Epochs            int
	LearningRate      float64
	Optimizer         string // adam or sgd
	Scheduler         string // plateau, step, exponential or cosine
	SchedulerFactor   float64
	SchedulerPatience int
	NumClasses        int // including background class 0
	ImageSize         int // images are resized to ImageSize×ImageSize
	PoolSize          int // feature grid side of the reference detector
	ImageCache        int // decoded images kept in memory, 0 disables
	CheckpointFormat  string
	HistoryDB         string // empty disables run history
	MonitorAddr       string // empty disables the live monitor
	Device            string
	Seed              int64  // weight initialization seed
	ResumeFrom        string // checkpoint to restore before training
}

// Load reads the given .env files (".env" when none are named) and builds a
// Config from the environment. Missing files are skipped; variables already
// set in the environment win over file values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
	}

	logDir := getEnv("LOG_DIR", "logs")
	historyDB := getEnv("HISTORY_DB", filepath.Join(logDir, "history.db"))
	if strings.EqualFold(historyDB, "off") {
		historyDB = ""
	}

	env := &envReader{}
	cfg := &Config{
		CheckpointDir:     getEnv("CHECKPOINT_DIR", "models"),
		LogDir:            logDir,
		TrainCSV:          getEnv("TRAIN_CSV", filepath.Join("..", "data", "annotation.csv")),
		ValCSV:            getEnv("VAL_CSV", filepath.Join("..", "data", "annotation2.csv")),
		BatchSize:         env.asInt("BATCH_SIZE", 2),
		Shuffle:           env.asBool("SHUFFLE", false),
		Epochs:            env.asInt("EPOCHS", 20),
		LearningRate:      env.asFloat("LEARNING_RATE", 0.001),
		Optimizer:         strings.ToLower(getEnv("OPTIMIZER", "adam")),
		Scheduler:         strings.ToLower(getEnv("SCHEDULER", "plateau")),
		SchedulerFactor:   env.asFloat("SCHEDULER_FACTOR", 0.9),
		SchedulerPatience: env.asInt("SCHEDULER_PATIENCE", 3),
		NumClasses:        env.asInt("NUM_CLASSES", 2),
		ImageSize:         env.asInt("IMAGE_SIZE", 64),
		PoolSize:          env.asInt("POOL_SIZE", 4),
		ImageCache:        env.asInt("IMAGE_CACHE", 256),
		CheckpointFormat:  strings.ToLower(getEnv("CHECKPOINT_FORMAT", "json")),
		HistoryDB:         historyDB,
		MonitorAddr:       os.Getenv("MONITOR_ADDR"),
		Device:            getEnv("DEVICE", "auto"),
		Seed:              env.asInt64("SEED", 1),
		ResumeFrom:        os.Getenv("RESUME_FROM"),
	}

	if err := errors.Join(env.errs...); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	case c.Epochs < 0:
		return fmt.Errorf("EPOCHS must not be negative, got %d", c.Epochs)
	case c.LearningRate <= 0:
		return fmt.Errorf("LEARNING_RATE must be positive, got %g", c.LearningRate)
	case c.NumClasses < 2:
		return fmt.Errorf("NUM_CLASSES must be at least 2, got %d", c.NumClasses)
	case c.ImageSize <= 0 || c.PoolSize <= 0 || c.PoolSize > c.ImageSize:
		return fmt.Errorf("IMAGE_SIZE (%d) and POOL_SIZE (%d) must be positive with POOL_SIZE <= IMAGE_SIZE", c.ImageSize, c.PoolSize)
	}
	if c.Optimizer != "adam" && c.Optimizer != "sgd" {
		return fmt.Errorf("OPTIMIZER must be adam or sgd, got %q", c.Optimizer)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envReader parses typed variables and collects every malformed value
type envReader struct {
	errs []error
}

func (r *envReader) fail(key, value, kind string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%s=%q is not a valid %s: %w", key, value, kind, err))
}

func (r *envReader) asInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		r.fail(key, value, "integer", err)
		return defaultValue
	}
	return intValue
}

func (r *envReader) asInt64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		r.fail(key, value, "integer", err)
		return defaultValue
	}
	return intValue
}

func (r *envReader) asFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		r.fail(key, value, "number", err)
		return defaultValue
	}
	return f
}

func (r *envReader) asBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		r.fail(key, value, "boolean", err)
		return defaultValue
	}
	return b
}
