// Package store persists accounts, folder sync state, and message rows in
// an embedded SQLite database. The only multi-row write operation,
// CommitFolderBatch, applies a folder's full new/update/purge set plus its
// FolderState advance as a single transaction: a crash between "fetched
// from IMAP" and "committed" is recoverable by replaying the same fetch,
// never by a partially-applied batch.
package store

import (
	"context"

	"github.com/ottosync/otto/internal/model"
)

// Store is the persistence boundary between the reconciler/orchestrator
// and the embedded database. All methods are safe for concurrent use by
// multiple goroutines; CommitFolderBatch for a given (account, folder) is
// expected to be called by at most one goroutine at a time, but different
// folders may commit concurrently.
type Store interface {
	// SaveAccount upserts an account row by ID.
	SaveAccount(ctx context.Context, account model.Account) error

	// LoadAccounts returns every configured account.
	LoadAccounts(ctx context.Context) ([]model.Account, error)

	// LoadFolderState returns the persisted sync cursor for one folder. A
	// folder never seen before is returned with IsSeeded() == false rather
	// than an error.
	LoadFolderState(ctx context.Context, accountID, folder string) (model.FolderState, error)

	// LoadMessageLocations returns the current UID/flags/labels for every
	// message the store believes lives in the given folder, keyed by UID.
	// The reconciler diffs this against the server's live UID set.
	LoadMessageLocations(ctx context.Context, accountID, folder string) (map[uint32]model.MessageLocation, error)

	// FindLocationsByGmMsgID looks up the store's current folder/UID for a
	// set of stable message IDs, regardless of which folder they were last
	// seen in. Used to tell a move apart from a genuinely new message when
	// a UID the folder does not know yet appears in its live set.
	FindLocationsByGmMsgID(ctx context.Context, accountID string, gmMsgIDs []string) (map[string]model.MessageLocation, error)

	// ClearFolder deletes every message (and body) currently recorded for
	// accountID/folder. Used when a folder's UIDVALIDITY changes: the
	// server has started a new UID generation, so any row keyed against
	// the old one must be gone before the reconciler reseeds the folder
	// from scratch, or a UID that happens to be reused across generations
	// would be mistaken for an already-known message.
	ClearFolder(ctx context.Context, accountID, folder string) error

	// CommitFolderBatch applies batch.New, batch.Updates, and batch.Purge
	// and advances the folder's FolderState to batch.State, all within one
	// transaction. An empty batch (batch.IsEmpty()) still advances
	// FolderState and must not be skipped, since HighestModSeq/LastSyncTS
	// progress even on a poll that changes no message.
	CommitFolderBatch(ctx context.Context, batch model.FolderBatch) error

	// PurgeMissing deletes messages in a folder whose UID is not present
	// in keepUIDs. Used by the periodic full-scan reconciliation path to
	// catch expunges an incremental MODSEQ search could miss.
	PurgeMissing(ctx context.Context, accountID, folder string, keepUIDs []uint32) (deleted int, err error)

	// DedupeLegacy removes at most limit rows whose ID is a legacy
	// composite key (not yet migrated to a bare gm_msgid) when a stable
	// gm_msgid row with the same raw_hash already exists, and returns the
	// number of rows removed.
	DedupeLegacy(ctx context.Context, accountID string, limit int) (removed int, err error)

	// Close releases the underlying database handle.
	Close() error
}
