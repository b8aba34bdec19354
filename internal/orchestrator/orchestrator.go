// Package orchestrator iterates accounts and folders, opening one IMAP
// session per folder sync, running the reconciler against it, and closing
// out each account with a cross-folder purge pass and a legacy-dedupe
// pass once every folder has committed. It owns nothing about the wire
// protocol or the state machine; both are supplied by internal/imapsync
// and internal/reconcile.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ottosync/otto/internal/apperr"
	"github.com/ottosync/otto/internal/config"
	"github.com/ottosync/otto/internal/imapsync"
	"github.com/ottosync/otto/internal/model"
	"github.com/ottosync/otto/internal/reconcile"
	"github.com/ottosync/otto/internal/store"
	"github.com/ottosync/otto/internal/workerpool"
)

// gmailIMAPAddr is the only provider this orchestrator dials; see
// model.ProviderGmailImap.
const gmailIMAPAddr = "imap.gmail.com:993"

// dialTimeout is the deadline of the context a folder sync passes to
// imapsync.Dial, and commandTimeout the deadline of the context it passes
// to ReconcileFolder (one deadline for the whole folder, not one per
// command). imapsync.Dial and the Session methods do not hand their
// context to the go-imap client, so neither deadline bounds the main
// session's dial, TLS handshake or IMAP commands; commandTimeout bounds
// the store queries and the dial and TLS handshake of the Gmail-attribute
// connection.
const (
	dialTimeout    = 15 * time.Second
	commandTimeout = 30 * time.Second
)

// legacyDedupeLimit bounds how many legacy-keyed rows DedupeLegacy removes
// in a single account pass, so a very large backlog doesn't stall the
// rest of the run.
const legacyDedupeLimit = 500

// Orchestrator runs one sync pass across every configured account.
type Orchestrator struct {
	store     store.Store
	tokens    config.TokenProvider
	parsePool *workerpool.Pool
	connLimit chan struct{}

	mu           sync.Mutex
	scanCounters map[string]int // "accountID\x00folder" -> invocations so far
}

// New builds an Orchestrator. maxConnections bounds how many IMAP sessions
// may be open at once across the whole run; parsePool is handed to every
// folder's reconciler call for CPU-bound sanitize work.
func New(st store.Store, tokens config.TokenProvider, parsePool *workerpool.Pool, maxConnections int) *Orchestrator {
	if maxConnections < 1 {
		maxConnections = 1
	}
	return &Orchestrator{
		store:        st,
		tokens:       tokens,
		parsePool:    parsePool,
		connLimit:    make(chan struct{}, maxConnections),
		scanCounters: make(map[string]int),
	}
}

// FolderResult is what one folder sync within an account reports.
type FolderResult struct {
	Folder string
	Stats  reconcile.Stats
	Purged int
	Err    error
}

// AccountResult is what one account's sync pass reports.
type AccountResult struct {
	AccountID string
	Folders   []FolderResult
	Err       error
}

// HasError reports whether this account's pass hit an unrecovered error,
// either at the account level or in any individual folder.
func (r AccountResult) HasError() bool {
	if r.Err != nil {
		return true
	}
	for _, f := range r.Folders {
		if f.Err != nil {
			return true
		}
	}
	return false
}

// RunOnce runs exactly one sync pass over every configured account,
// strictly sequentially account by account (folders within an account are
// bounded-concurrent; see syncAccount).
func (o *Orchestrator) RunOnce(ctx context.Context, logger *slog.Logger, forceFullScan bool) []AccountResult {
	accounts, err := o.store.LoadAccounts(ctx)
	if err != nil {
		return []AccountResult{{Err: apperr.New(apperr.KindStore, "loading accounts", err)}}
	}

	results := make([]AccountResult, 0, len(accounts))
	for _, account := range accounts {
		logger.Info("syncing account", "account", account.Email)
		result := o.syncAccount(ctx, logger, account, forceFullScan)
		if result.Err != nil {
			logger.Error("account sync failed", "account", account.Email, "err", result.Err)
		}
		results = append(results, result)
	}
	return results
}

// syncAccount fetches a token, reconciles every configured folder
// (bounded-concurrent via the connection-cap semaphore), then — only once
// every folder has committed — runs the account-level purge pass and a
// legacy-dedupe pass.
func (o *Orchestrator) syncAccount(ctx context.Context, logger *slog.Logger, account model.Account, forceFullScan bool) AccountResult {
	token, _, err := o.tokens.FetchAccessToken(ctx, account.ID)
	if err != nil {
		return AccountResult{AccountID: account.ID, Err: apperr.New(apperr.KindAuth, fmt.Sprintf("fetching access token for %s", account.Email), err)}
	}

	folders := account.FolderNames()
	resultCh := make(chan FolderResult, len(folders))
	var wg sync.WaitGroup
	wg.Add(len(folders))
	for _, folder := range folders {
		folder := folder
		go func() {
			defer wg.Done()
			resultCh <- o.syncFolderWithRetry(ctx, logger, account, token, folder, forceFullScan)
		}()
	}
	wg.Wait()
	close(resultCh)

	var results []FolderResult
	for r := range resultCh {
		results = append(results, r)
	}

	for i, r := range results {
		if r.Err != nil || !r.Stats.FullScan {
			continue
		}
		deleted, err := o.store.PurgeMissing(ctx, account.ID, r.Folder, r.Stats.RemoteUIDs)
		if err != nil {
			results[i].Err = apperr.New(apperr.KindStore, fmt.Sprintf("purging %s", r.Folder), err)
			continue
		}
		results[i].Purged = deleted
	}

	if account.Provider == model.ProviderGmailImap {
		if removed, err := o.store.DedupeLegacy(ctx, account.ID, legacyDedupeLimit); err != nil {
			logger.Warn("legacy dedupe failed", "account", account.Email, "err", err)
		} else if removed > 0 {
			logger.Info("removed legacy rows", "account", account.Email, "count", removed)
		}
	}

	return AccountResult{AccountID: account.ID, Folders: results}
}

// syncFolderWithRetry opens a fresh IMAP session and reconciles folder,
// retrying exactly once with a brand-new connection on a Network error.
// Any other error kind, or a second Network failure, leaves the folder's
// stored state untouched for this run.
func (o *Orchestrator) syncFolderWithRetry(ctx context.Context, logger *slog.Logger, account model.Account, token, folder string, forceFullScan bool) FolderResult {
	stats, err := o.syncFolder(ctx, account, token, folder, forceFullScan)
	if err != nil && apperr.Is(err, apperr.KindNetwork) {
		logger.Warn("retrying folder after network error", "account", account.Email, "folder", folder, "err", err)
		stats, err = o.syncFolder(ctx, account, token, folder, forceFullScan)
	}
	if err != nil {
		logger.Error("folder sync failed", "account", account.Email, "folder", folder, "err", err)
	}
	return FolderResult{Folder: folder, Stats: stats, Err: err}
}

// syncFolder acquires a connection-cap slot, dials one session, and runs
// the reconciler for a single folder.
func (o *Orchestrator) syncFolder(ctx context.Context, account model.Account, token, folder string, forceFullScan bool) (reconcile.Stats, error) {
	o.connLimit <- struct{}{}
	defer func() { <-o.connLimit }()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	sess, err := imapsync.Dial(dialCtx, gmailIMAPAddr, account.Email, token)
	cancel()
	if err != nil {
		return reconcile.Stats{}, err
	}
	defer sess.Close()

	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	scanCounter := o.bumpScanCounter(account.ID, folder)
	if forceFullScan {
		scanCounter = 0
	}

	return reconcile.ReconcileFolder(cmdCtx, o.store, sessionSource{sess: sess}, o.parsePool, account.ID, folder, account.Settings.CutoffSince, scanCounter)
}

// bumpScanCounter returns the current invocation count for accountID/folder
// and increments it for next time. Tracked in memory only: a process
// restart resets it to zero, which is safe because a full scan is
// idempotent (see DESIGN.md).
func (o *Orchestrator) bumpScanCounter(accountID, folder string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := accountID + "\x00" + folder
	n := o.scanCounters[key]
	o.scanCounters[key] = n + 1
	return n
}
