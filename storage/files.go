package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// FileInfo is the subset of stat data the pipeline cares about.
type FileInfo struct {
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// FileStorage stores uploaded documents. Paths returned here are opaque
// handles; callers must not assume they are filesystem paths.
type FileStorage interface {
	SaveTemp(ctx context.Context, data []byte, name string) (string, error)
	MoveToFinal(ctx context.Context, tempPath string) (string, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
	Stat(ctx context.Context, path string) (*FileInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
	PurgeTemp(ctx context.Context, maxAge time.Duration) (int, error)
}

// NewFromEnv picks the MinIO backend when MINIO_ENDPOINT is configured,
// falling back to plain local disk.
func NewFromEnv() (FileStorage, error) {
	if strings.TrimSpace(os.Getenv("MINIO_ENDPOINT")) != "" {
		return NewMinioFromEnv()
	}
	baseDir := strings.TrimSpace(os.Getenv("STORAGE_DIR"))
	if baseDir == "" {
		baseDir = "data/files"
	}
	return NewLocal(baseDir)
}

// LocalStorage keeps temp and final files under one base directory.
type LocalStorage struct {
	tempDir  string
	finalDir string
}

func NewLocal(baseDir string) (*LocalStorage, error) {
	storage := &LocalStorage{
		tempDir:  filepath.Join(baseDir, "temp"),
		finalDir: filepath.Join(baseDir, "documents"),
	}
	for _, dir := range []string{storage.tempDir, storage.finalDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create directory %s: %w", dir, err)
		}
	}
	return storage, nil
}

func (s *LocalStorage) SaveTemp(ctx context.Context, data []byte, name string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("storage: no data to save")
	}
	path := filepath.Join(s.tempDir, uuid.NewString()+"_"+sanitizeName(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("storage: write temp file: %w", err)
	}
	return path, nil
}

func (s *LocalStorage) MoveToFinal(ctx context.Context, tempPath string) (string, error) {
	finalPath := filepath.Join(s.finalDir, filepath.Base(tempPath))
	if err := os.Rename(tempPath, finalPath); err != nil {
		return "", fmt.Errorf("storage: move to final: %w", err)
	}
	return finalPath, nil
}

func (s *LocalStorage) Read(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	return data, nil
}

func (s *LocalStorage) Delete(ctx context.Context, path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: delete %s: %w", path, err)
	}
	return nil
}

func (s *LocalStorage) Stat(ctx context.Context, path string) (*FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("storage: stat %s: %w", path, err)
	}
	return &FileInfo{Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (s *LocalStorage) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("storage: stat %s: %w", path, err)
}

// PurgeTemp removes temp files older than maxAge and reports how many went.
func (s *LocalStorage) PurgeTemp(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.tempDir)
	if err != nil {
		return 0, fmt.Errorf("storage: list temp dir: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.tempDir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// StartPurgeScheduler runs PurgeTemp on a cron schedule until the returned
// cron is stopped. Schedule and max age come from STORAGE_PURGE_SCHEDULE and
// STORAGE_TEMP_MAX_AGE when unset.
func StartPurgeScheduler(store FileStorage, schedule string, maxAge time.Duration) (*cron.Cron, error) {
	if schedule == "" {
		schedule = strings.TrimSpace(os.Getenv("STORAGE_PURGE_SCHEDULE"))
	}
	if schedule == "" {
		schedule = "@hourly"
	}
	if maxAge <= 0 {
		if raw := strings.TrimSpace(os.Getenv("STORAGE_TEMP_MAX_AGE")); raw != "" {
			if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
				maxAge = parsed
			}
		}
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}

	scheduler := cron.New()
	_, err := scheduler.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		removed, purgeErr := store.PurgeTemp(ctx, maxAge)
		if purgeErr != nil {
			log.Printf("storage: temp purge failed: %v", purgeErr)
			return
		}
		if removed > 0 {
			log.Printf("storage: purged %d stale temp files", removed)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("storage: schedule temp purge: %w", err)
	}
	scheduler.Start()
	return scheduler, nil
}

func sanitizeName(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "upload"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
}
