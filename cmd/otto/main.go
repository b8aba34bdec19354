// Command otto runs one local sync pass of every configured Gmail account
// against its cached copy in the embedded store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ottosync/otto/internal/config"
	"github.com/ottosync/otto/internal/model"
	"github.com/ottosync/otto/internal/orchestrator"
	"github.com/ottosync/otto/internal/store"
	"github.com/ottosync/otto/internal/workerpool"
)

func main() {
	os.Exit(run())
}

func run() int {
	noSync := flag.Bool("no-sync", false, "skip the sync pass and exit (cache-only)")
	addAccount := flag.Bool("add-account", false, "run onboarding before syncing (no-op: onboarding lives outside this module)")
	force := flag.Bool("force", false, "bypass the no-op fast path and force a full reconciliation of every folder")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *addAccount {
		logger.Info("add-account requested; onboarding is handled outside the sync core")
	}

	if *noSync {
		logger.Info("no-sync set; exiting without contacting IMAP")
		return 0
	}

	dbPath, err := config.DefaultDBPath()
	if err != nil {
		logger.Error("resolving database path", "err", err)
		return 1
	}

	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		logger.Error("opening store", "err", err)
		return 1
	}
	defer st.Close()

	cfg := config.Load()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := ensureSeedAccount(ctx, st, cfg); err != nil {
		logger.Error("seeding account", "err", err)
		return 1
	}

	tokens, err := newEnvTokenProvider()
	if err != nil {
		logger.Error("resolving access token", "err", err)
		return 1
	}

	parsePool := workerpool.New(config.NumParseWorkers())
	defer parsePool.Close()

	const maxConnections = 4
	orch := orchestrator.New(st, tokens, parsePool, maxConnections)

	results := orch.RunOnce(ctx, logger, *force)

	failed := false
	for _, r := range results {
		for _, f := range r.Folders {
			if f.Err == nil {
				logger.Info("folder synced", "account", r.AccountID, "folder", f.Folder,
					"new", f.Stats.New, "updated", f.Stats.Updated, "purged", f.Purged, "full_scan", f.Stats.FullScan)
			}
		}
		if r.HasError() {
			failed = true
		}
	}
	if failed {
		return 1
	}
	return 0
}

// ensureSeedAccount registers the account named by OTTO_ACCOUNT_EMAIL (if
// set and not already present) with the default folder set and cutoff.
// Actual account onboarding (OAuth consent, credential storage) is out of
// scope for this module; this only makes `go run ./cmd/otto` usable
// against a single pre-authorized mailbox without a separate CLI command.
func ensureSeedAccount(ctx context.Context, st store.Store, cfg config.Config) error {
	email := os.Getenv("OTTO_ACCOUNT_EMAIL")
	if email == "" {
		return nil
	}

	accounts, err := st.LoadAccounts(ctx)
	if err != nil {
		return err
	}
	for _, a := range accounts {
		if a.ID == email {
			return nil
		}
	}

	now := time.Now().UTC()
	account := model.Account{
		ID:        email,
		Email:     email,
		Provider:  model.ProviderGmailImap,
		Settings:  model.DefaultAccountSettings(cfg.CutoffSince),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return st.SaveAccount(ctx, account)
}

// envTokenProvider resolves an OAuth access token from an environment
// variable per account. It exists so the sync core can be exercised
// without a real OAuth implementation, which lives outside this module.
type envTokenProvider struct {
	token string
}

func newEnvTokenProvider() (envTokenProvider, error) {
	token := os.Getenv("OTTO_ACCESS_TOKEN")
	if token == "" {
		return envTokenProvider{}, errors.New("OTTO_ACCESS_TOKEN is not set")
	}
	return envTokenProvider{token: token}, nil
}

func (p envTokenProvider) FetchAccessToken(ctx context.Context, accountID string) (string, *time.Time, error) {
	if p.token == "" {
		return "", nil, fmt.Errorf("no access token configured for %s", accountID)
	}
	return p.token, nil, nil
}
