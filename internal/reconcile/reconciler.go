// Package reconcile implements the folder state machine: given a
// session's live view of one IMAP folder and the store's last-known
// state for it, decide what changed and build the single FolderBatch
// that brings the store up to date.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/ottosync/otto/internal/model"
	"github.com/ottosync/otto/internal/sanitize"
	"github.com/ottosync/otto/internal/store"
	"github.com/ottosync/otto/internal/workerpool"
)

// newBatchSize bounds how many unknown UIDs are fetched (full raw body,
// plus Gmail attributes) per chunk. updateBatchSize bounds the chunks in
// which Gmail labels are refreshed for already-known UIDs; the flag
// changes themselves arrive from a single FetchUpdatesSince call, which
// is not chunked.
const (
	newBatchSize    = 50
	updateBatchSize = 200
)

// fullScanEvery forces a full UID SEARCH reconciliation on every Nth
// invocation per folder even when MODSEQ suggests nothing changed, as a
// backstop against servers that silently drop EXPUNGE notifications the
// incremental path would otherwise never see.
const fullScanEvery = 12

// SelectResult mirrors imapsync.SelectResult without importing it, so this
// package's only dependency on the wire layer is the Source interface
// below.
type SelectResult struct {
	UIDValidity   uint32
	UIDNext       uint32
	Exists        uint32
	HighestModSeq uint64
}

// FetchedMessage mirrors imapsync.FetchedMessage.
type FetchedMessage struct {
	UID          uint32
	ModSeq       uint64
	InternalDate time.Time
	Flags        []string
	Subject      string
	From         string
	To           string
	Cc           string
	Bcc          string
	SizeBytes    uint32
	RawRFC822    []byte
}

// FlagUpdate mirrors imapsync.FlagUpdate.
type FlagUpdate struct {
	UID    uint32
	ModSeq uint64
	Flags  []string
}

// GmailAttrs mirrors imapsync.GmailAttrs.
type GmailAttrs struct {
	MsgID  string
	ThrID  string
	Labels []string
}

// Source is everything the reconciler needs from one selected IMAP
// folder. The orchestrator adapts an *imapsync.Session to it; the
// interface exists so this package can instead be tested against a
// hand-written fake.
type Source interface {
	SelectCondstore(ctx context.Context, folder string) (SelectResult, error)
	UIDSearchAll(ctx context.Context) ([]uint32, error)
	UIDSearchSince(ctx context.Context, since time.Time) ([]uint32, error)
	FetchNew(ctx context.Context, uids []uint32) ([]FetchedMessage, error)
	FetchUpdatesSince(ctx context.Context, since time.Time, sinceModSeq uint64) ([]FlagUpdate, error)
	FetchGmailAttrs(ctx context.Context, folder string, uids []uint32) (map[uint32]GmailAttrs, error)
	HasGmailExtension() bool
}

// Stats summarizes one ReconcileFolder call for logging. RemoteUIDs is the
// full live UID set observed this call and is only populated when
// FullScan is true; an incremental (MODSEQ-only) pass only sees changed
// UIDs, which is not enough to tell a disappeared message from one that
// was simply never touched. The orchestrator uses RemoteUIDs, once every
// folder in the account has committed, to run the account-level purge
// pass (see internal/orchestrator) — expunge detection is deliberately
// not done here, since a message missing from this folder's live set may
// simply have moved to a folder this pass hasn't reconciled yet.
type Stats struct {
	FullScan   bool
	New        int
	Updated    int
	Skipped    bool
	RemoteUIDs []uint32
}

// ReconcileFolder brings the store's view of accountID/folder up to date
// with the server and commits the result as a single FolderBatch.
// scanCounter is the number of times this folder has been reconciled
// before (used to schedule the periodic full scan); callers persist it
// themselves (see orchestrator).
func ReconcileFolder(ctx context.Context, st store.Store, src Source, pool *workerpool.Pool, accountID, folder string, cutoffSince time.Time, scanCounter int) (Stats, error) {
	sel, err := src.SelectCondstore(ctx, folder)
	if err != nil {
		return Stats{}, err
	}

	state, err := st.LoadFolderState(ctx, accountID, folder)
	if err != nil {
		return Stats{}, err
	}

	uidValidityChanged := state.IsSeeded() && *state.UIDValidity != sel.UIDValidity
	if uidValidityChanged {
		// A new UIDVALIDITY means the server has started a fresh UID
		// generation: any UID this folder's index already knows about is
		// meaningless going forward, and a UID from the new generation can
		// numerically collide with one from the old. Clear the folder's
		// rows before the reseed below so that collision can't be
		// mistaken for an already-known message.
		if err := st.ClearFolder(ctx, accountID, folder); err != nil {
			return Stats{}, err
		}
		state.Reset()
	}

	expungeSuspected := state.ExistsCount != nil && sel.Exists < *state.ExistsCount
	fullScanDue := !state.IsSeeded() || uidValidityChanged || expungeSuspected || scanCounter%fullScanEvery == 0

	if !fullScanDue && state.HighestModSeq != nil && sel.HighestModSeq != 0 && sel.HighestModSeq == *state.HighestModSeq &&
		state.ExistsCount != nil && sel.Exists == *state.ExistsCount {
		return Stats{Skipped: true}, nil
	}

	var remoteUIDs []uint32
	var changed []FlagUpdate
	if fullScanDue || state.HighestModSeq == nil || sel.HighestModSeq == 0 {
		remoteUIDs, err = src.UIDSearchSince(ctx, cutoffSince)
		if err != nil {
			return Stats{}, err
		}
	} else {
		changed, err = src.FetchUpdatesSince(ctx, cutoffSince, *state.HighestModSeq)
		if err != nil {
			return Stats{}, err
		}
		for _, c := range changed {
			remoteUIDs = append(remoteUIDs, c.UID)
		}
	}

	known, err := st.LoadMessageLocations(ctx, accountID, folder)
	if err != nil {
		return Stats{}, err
	}

	var unknownUIDs []uint32
	changedFlags := make(map[uint32][]string, len(changed))
	for _, c := range changed {
		changedFlags[c.UID] = c.Flags
	}
	for _, uid := range remoteUIDs {
		if _, ok := known[uid]; !ok {
			unknownUIDs = append(unknownUIDs, uid)
		}
	}

	var knownButChanged []uint32
	if len(changed) > 0 {
		for _, c := range changed {
			if _, ok := known[c.UID]; ok {
				knownButChanged = append(knownButChanged, c.UID)
			}
		}
	}

	newMessages, moveUpdates, err := fetchUnknownUIDs(ctx, st, src, pool, accountID, folder, unknownUIDs)
	if err != nil {
		return Stats{}, err
	}

	flagUpdates, err := fetchFlagUpdates(ctx, src, folder, knownButChanged, changedFlags, known)
	if err != nil {
		return Stats{}, err
	}
	updates := append(moveUpdates, flagUpdates...)

	highestUID := state.HighestUID
	for _, uid := range remoteUIDs {
		if highestUID == nil || uid > *highestUID {
			v := uid
			highestUID = &v
		}
	}

	now := time.Now().UTC()
	newState := model.FolderState{
		ID:            state.ID,
		AccountID:     accountID,
		Name:          folder,
		UIDValidity:   &sel.UIDValidity,
		HighestUID:    highestUID,
		HighestModSeq: &sel.HighestModSeq,
		ExistsCount:   &sel.Exists,
		LastSyncTS:    &now,
	}
	if fullScanDue {
		newState.LastFullScanTS = &now
	} else {
		newState.LastFullScanTS = state.LastFullScanTS
	}

	batch := model.FolderBatch{
		AccountID: accountID,
		Folder:    folder,
		New:       newMessages,
		Updates:   updates,
		State:     newState,
	}
	if err := st.CommitFolderBatch(ctx, batch); err != nil {
		return Stats{}, err
	}

	stats := Stats{
		FullScan: fullScanDue,
		New:      len(newMessages),
		Updated:  len(updates),
	}
	if fullScanDue {
		stats.RemoteUIDs = remoteUIDs
	}
	return stats, nil
}

// fetchUnknownUIDs fetches full metadata+body for UIDs the folder's local
// index has never seen, then uses the store's cross-folder gm_msgid index
// to tell a genuine new message apart from a Gmail label move: a move
// only needs a location update, never a second body fetch.
func fetchUnknownUIDs(ctx context.Context, st store.Store, src Source, pool *workerpool.Pool, accountID, folder string, uids []uint32) ([]model.NewMessage, []model.MessageUpdate, error) {
	var newMessages []model.NewMessage
	var updates []model.MessageUpdate

	for _, chunk := range uidChunks(uids, newBatchSize) {
		fetched, err := src.FetchNew(ctx, chunk)
		if err != nil {
			return nil, nil, err
		}

		var attrs map[uint32]GmailAttrs
		if src.HasGmailExtension() {
			attrs, err = src.FetchGmailAttrs(ctx, folder, chunk)
			if err != nil {
				return nil, nil, err
			}
		}

		gmMsgIDs := make([]string, 0, len(fetched))
		byUID := make(map[uint32]FetchedMessage, len(fetched))
		idByUID := make(map[uint32]string, len(fetched))
		thrIDByUID := make(map[uint32]string, len(fetched))
		labelsByUID := make(map[uint32][]string, len(fetched))
		for _, fm := range fetched {
			byUID[fm.UID] = fm
			id := fallbackGmMsgID(accountID, folder, fm.UID)
			thrID := ""
			var labels []string
			if a, ok := attrs[fm.UID]; ok && a.MsgID != "" {
				id = a.MsgID
				thrID = a.ThrID
				labels = a.Labels
			}
			idByUID[fm.UID] = id
			thrIDByUID[fm.UID] = thrID
			labelsByUID[fm.UID] = labels
			gmMsgIDs = append(gmMsgIDs, id)
		}

		existing, err := st.FindLocationsByGmMsgID(ctx, accountID, gmMsgIDs)
		if err != nil {
			return nil, nil, err
		}

		var trulyNewUIDs []uint32
		for uid, fm := range byUID {
			gmMsgID := idByUID[uid]
			if loc, ok := existing[gmMsgID]; ok && (loc.Folder != folder || loc.UID != uid) {
				updates = append(updates, model.MessageUpdate{
					GmMsgID: gmMsgID,
					Folder:  folder,
					UID:     uid,
					Flags:   fm.Flags,
					Labels:  labelsByUID[uid],
				})
				continue
			}
			trulyNewUIDs = append(trulyNewUIDs, uid)
		}

		// Sanitizing is CPU-bound MIME parsing; spread it across the
		// worker pool instead of doing it inline on the goroutine that
		// just finished the IMAP round trip.
		results := workerpool.Map(pool, trulyNewUIDs, func(uid uint32) sanitize.Result {
			return sanitize.Sanitize(byUID[uid].RawRFC822)
		})

		for i, uid := range trulyNewUIDs {
			fm := byUID[uid]
			gmMsgID := idByUID[uid]
			result := results[i]
			newMessages = append(newMessages, model.NewMessage{
				Metadata: model.MessageMetadata{
					GmMsgID:        gmMsgID,
					AccountID:      accountID,
					Folder:         folder,
					UID:            uid,
					GmThrID:        thrIDByUID[uid],
					InternalDate:   fm.InternalDate,
					Subject:        fm.Subject,
					From:           fm.From,
					To:             fm.To,
					Cc:             fm.Cc,
					Bcc:            fm.Bcc,
					Flags:          fm.Flags,
					Labels:         labelsByUID[uid],
					HasAttachments: result.HasAttachments,
					SizeBytes:      fm.SizeBytes,
					RawHash:        result.RawHash,
				},
				Body: model.MessageBody{
					GmMsgID:       gmMsgID,
					RawRFC822:     fm.RawRFC822,
					SanitizedText: result.SanitizedText,
					MimeSummary:   result.MimeSummary,
					Attachments:   result.Attachments,
					SanitizedAt:   time.Now().UTC(),
				},
			})
		}
	}

	return newMessages, updates, nil
}

// fetchFlagUpdates refreshes flags (and, when available, Gmail labels)
// for UIDs the folder index already knows about.
func fetchFlagUpdates(ctx context.Context, src Source, folder string, uids []uint32, flagsByUID map[uint32][]string, known map[uint32]model.MessageLocation) ([]model.MessageUpdate, error) {
	var updates []model.MessageUpdate

	for _, chunk := range uidChunks(uids, updateBatchSize) {
		var attrs map[uint32]GmailAttrs
		var err error
		if src.HasGmailExtension() {
			attrs, err = src.FetchGmailAttrs(ctx, folder, chunk)
			if err != nil {
				return nil, err
			}
		}
		for _, uid := range chunk {
			loc, ok := known[uid]
			if !ok {
				continue
			}
			updates = append(updates, model.MessageUpdate{
				GmMsgID: loc.GmMsgID,
				Folder:  folder,
				UID:     uid,
				Flags:   flagsByUID[uid],
				Labels:  attrs[uid].Labels,
			})
		}
	}

	return updates, nil
}

func fallbackGmMsgID(accountID, folder string, uid uint32) string {
	return fmt.Sprintf("%s:%s:%d", accountID, folder, uid)
}

func uidChunks(uids []uint32, size int) [][]uint32 {
	if len(uids) == 0 {
		return nil
	}
	var out [][]uint32
	for i := 0; i < len(uids); i += size {
		end := i + size
		if end > len(uids) {
			end = len(uids)
		}
		out = append(out, uids[i:end])
	}
	return out
}
