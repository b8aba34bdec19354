// Package config resolves the sync core's ambient configuration from
// environment variables and the platform's default paths. File-based
// structured configuration is out of scope for the core; this is
// deliberately small.
package config

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

const dbFileName = "otto.db"

// Config holds the sync core's runtime settings.
type Config struct {
	CutoffSince         time.Time
	PollIntervalMinutes int
	PrefetchRecent      int
	SafeMode            bool
	FolderInbox         string
	FolderSent          string
	FolderTrash         string
	FolderSpam          string
}

// Load reads OTTO_* environment variables, falling back to defaults that
// mirror the account defaults in internal/model.
func Load() Config {
	return Config{
		CutoffSince:         envDate("OTTO_CUTOFF_SINCE", time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC)),
		PollIntervalMinutes: envInt("OTTO_POLL_INTERVAL_MINUTES", 5),
		PrefetchRecent:      envInt("OTTO_PREFETCH_RECENT", 100),
		SafeMode:            envBool("OTTO_SAFE_MODE", false),
		FolderInbox:         envString("OTTO_FOLDER_INBOX", "INBOX"),
		FolderSent:          envString("OTTO_FOLDER_SENT", "[Gmail]/Sent Mail"),
		FolderTrash:         envString("OTTO_FOLDER_TRASH", "[Gmail]/Trash"),
		FolderSpam:          envString("OTTO_FOLDER_SPAM", "[Gmail]/Spam"),
	}
}

// DefaultDBPath returns the platform-appropriate path to the sync
// database: $HOME/otto/otto.db on Unix, %USERPROFILE%\otto\otto.db on
// Windows.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "otto", dbFileName), nil
}

// NumParseWorkers returns the size of the CPU-bound parse pool: one
// goroutine per logical CPU.
func NumParseWorkers() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}

// TokenProvider is the external collaborator the sync core consumes for
// OAuth access tokens. Implementations live outside this module; the core
// treats a failure here as an Auth error fatal to the current account.
type TokenProvider interface {
	FetchAccessToken(ctx context.Context, accountID string) (token string, expiresAt *time.Time, err error)
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDate(key string, def time.Time) time.Time {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return def
	}
	return t
}
