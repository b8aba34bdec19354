package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/ottosync/otto/internal/model"
	"github.com/ottosync/otto/internal/reconcile"
	"github.com/ottosync/otto/internal/store"
	"github.com/ottosync/otto/internal/workerpool"
	"github.com/ottosync/otto/tests/testutil"
)

const acctID = "acct@example.com"

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st := testutil.NewTestStore(t)
	// Folder and message rows reference the account through a foreign key,
	// so the account has to exist before anything is committed for it.
	now := time.Now().UTC()
	account := model.Account{ID: acctID, Email: acctID, Provider: model.ProviderGmailImap,
		Settings: model.DefaultAccountSettings(time.Time{}), CreatedAt: now, UpdatedAt: now}
	if err := st.SaveAccount(context.Background(), account); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}
	return st
}

func fetchedMessage(uid uint32, subject string) reconcile.FetchedMessage {
	return reconcile.FetchedMessage{
		UID:          uid,
		ModSeq:       uint64(uid),
		InternalDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Flags:        []string{"\\Seen"},
		Subject:      subject,
		From:         "sender@example.com",
		RawRFC822:    []byte("From: sender@example.com\r\nSubject: " + subject + "\r\n\r\nbody"),
	}
}

func TestReconcileFolderInitialSeed(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	pool := workerpool.New(2)
	defer pool.Close()

	src := &testutil.FakeSource{
		Select:  reconcile.SelectResult{UIDValidity: 1, UIDNext: 3, Exists: 2, HighestModSeq: 10},
		AllUIDs: []uint32{1, 2},
		NewMessages: map[uint32]reconcile.FetchedMessage{
			1: fetchedMessage(1, "hello"),
			2: fetchedMessage(2, "world"),
		},
	}

	stats, err := reconcile.ReconcileFolder(ctx, st, src, pool, acctID, "INBOX", time.Time{}, 0)
	if err != nil {
		t.Fatalf("ReconcileFolder: %v", err)
	}
	if !stats.FullScan {
		t.Error("expected the first pass over an unseeded folder to be a full scan")
	}
	if stats.New != 2 {
		t.Errorf("New = %d, want 2", stats.New)
	}
	if len(stats.RemoteUIDs) != 2 {
		t.Errorf("RemoteUIDs = %v, want 2 entries", stats.RemoteUIDs)
	}
	if src.SelectCalls != 1 {
		t.Errorf("SelectCalls = %d, want 1", src.SelectCalls)
	}

	locations, err := st.LoadMessageLocations(ctx, acctID, "INBOX")
	if err != nil {
		t.Fatalf("LoadMessageLocations: %v", err)
	}
	if len(locations) != 2 {
		t.Fatalf("got %d locations, want 2", len(locations))
	}
}

func TestReconcileFolderNoOpFastPath(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	pool := workerpool.New(2)
	defer pool.Close()

	sel := reconcile.SelectResult{UIDValidity: 1, UIDNext: 2, Exists: 1, HighestModSeq: 10}
	src := &testutil.FakeSource{
		Select:  sel,
		AllUIDs: []uint32{1},
		NewMessages: map[uint32]reconcile.FetchedMessage{
			1: fetchedMessage(1, "hello"),
		},
	}
	if _, err := reconcile.ReconcileFolder(ctx, st, src, pool, acctID, "INBOX", time.Time{}, 0); err != nil {
		t.Fatalf("seed ReconcileFolder: %v", err)
	}

	stats, err := reconcile.ReconcileFolder(ctx, st, src, pool, acctID, "INBOX", time.Time{}, 1)
	if err != nil {
		t.Fatalf("second ReconcileFolder: %v", err)
	}
	if !stats.Skipped {
		t.Error("expected identical HighestModSeq to take the no-op fast path")
	}
	if stats.New != 0 || stats.Updated != 0 {
		t.Errorf("expected no work on the no-op path, got %+v", stats)
	}
}

func TestReconcileFolderIncrementalModSeq(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	pool := workerpool.New(2)
	defer pool.Close()

	src := &testutil.FakeSource{
		Select:  reconcile.SelectResult{UIDValidity: 1, UIDNext: 2, Exists: 1, HighestModSeq: 10},
		AllUIDs: []uint32{1},
		NewMessages: map[uint32]reconcile.FetchedMessage{
			1: fetchedMessage(1, "hello"),
		},
	}
	if _, err := reconcile.ReconcileFolder(ctx, st, src, pool, acctID, "INBOX", time.Time{}, 0); err != nil {
		t.Fatalf("seed ReconcileFolder: %v", err)
	}

	src.Select = reconcile.SelectResult{UIDValidity: 1, UIDNext: 2, Exists: 1, HighestModSeq: 20}
	src.Updates = []reconcile.FlagUpdate{
		{UID: 1, ModSeq: 20, Flags: []string{"\\Seen", "\\Flagged"}},
	}

	stats, err := reconcile.ReconcileFolder(ctx, st, src, pool, acctID, "INBOX", time.Time{}, 1)
	if err != nil {
		t.Fatalf("incremental ReconcileFolder: %v", err)
	}
	if stats.FullScan {
		t.Error("expected an advanced HighestModSeq with no UIDVALIDITY change to take the incremental path")
	}
	if stats.Updated != 1 {
		t.Errorf("Updated = %d, want 1", stats.Updated)
	}

	locations, err := st.LoadMessageLocations(ctx, acctID, "INBOX")
	if err != nil {
		t.Fatalf("LoadMessageLocations: %v", err)
	}
	if len(locations[1].Flags) == 0 {
		t.Fatalf("expected updated flags to persist, got %+v", locations[1])
	}
}

// TestReconcileFolderIncrementalExcludesPreCutoffChanges verifies that a
// flag change on a message older than the account's cutoff never reaches
// the store on the incremental path, even though its MODSEQ has advanced
// past what the folder last saw.
func TestReconcileFolderIncrementalExcludesPreCutoffChanges(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	pool := workerpool.New(2)
	defer pool.Close()

	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	src := &testutil.FakeSource{
		Select:  reconcile.SelectResult{UIDValidity: 1, UIDNext: 2, Exists: 1, HighestModSeq: 10},
		AllUIDs: []uint32{1},
		NewMessages: map[uint32]reconcile.FetchedMessage{
			1: fetchedMessage(1, "hello"),
		},
	}
	if _, err := reconcile.ReconcileFolder(ctx, st, src, pool, acctID, "INBOX", cutoff, 0); err != nil {
		t.Fatalf("seed ReconcileFolder: %v", err)
	}

	src.Select = reconcile.SelectResult{UIDValidity: 1, UIDNext: 2, Exists: 1, HighestModSeq: 20}
	src.Updates = []reconcile.FlagUpdate{
		{UID: 1, ModSeq: 20, Flags: []string{"\\Seen", "\\Flagged"}},
	}
	src.PreCutoffUIDs = map[uint32]bool{1: true}

	stats, err := reconcile.ReconcileFolder(ctx, st, src, pool, acctID, "INBOX", cutoff, 1)
	if err != nil {
		t.Fatalf("incremental ReconcileFolder: %v", err)
	}
	if stats.Updated != 0 {
		t.Errorf("Updated = %d, want 0 for a change on a pre-cutoff message", stats.Updated)
	}

	locations, err := st.LoadMessageLocations(ctx, acctID, "INBOX")
	if err != nil {
		t.Fatalf("LoadMessageLocations: %v", err)
	}
	if len(locations[1].Flags) != 1 || locations[1].Flags[0] != "\\Seen" {
		t.Errorf("expected the original flags to be untouched, got %+v", locations[1].Flags)
	}
}

// TestReconcileFolderUIDValidityRebuild exercises the case a naive
// "just reset the cursor" rebuild gets wrong: the new UID generation
// reuses UID 1 for a message with a different gm_msgid than whatever UID
// 1 meant under the old generation. If the old row isn't cleared before
// the reseed, the still-stale known-locations map makes the new UID 1
// look already-known and it gets silently dropped instead of fetched.
func TestReconcileFolderUIDValidityRebuild(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	pool := workerpool.New(2)
	defer pool.Close()

	src := &testutil.FakeSource{
		Select:  reconcile.SelectResult{UIDValidity: 1, UIDNext: 2, Exists: 1, HighestModSeq: 10},
		AllUIDs: []uint32{1},
		NewMessages: map[uint32]reconcile.FetchedMessage{
			1: fetchedMessage(1, "hello"),
		},
		GmailCapable: true,
		GmailAttrs: map[uint32]reconcile.GmailAttrs{
			1: {MsgID: "111", ThrID: "thr-old"},
		},
	}
	if _, err := reconcile.ReconcileFolder(ctx, st, src, pool, acctID, "INBOX", time.Time{}, 0); err != nil {
		t.Fatalf("seed ReconcileFolder: %v", err)
	}

	src.Select = reconcile.SelectResult{UIDValidity: 2, UIDNext: 2, Exists: 1, HighestModSeq: 10}
	src.NewMessages = map[uint32]reconcile.FetchedMessage{
		1: fetchedMessage(1, "hello-again"),
	}
	src.GmailAttrs = map[uint32]reconcile.GmailAttrs{
		1: {MsgID: "222", ThrID: "thr-new"},
	}

	stats, err := reconcile.ReconcileFolder(ctx, st, src, pool, acctID, "INBOX", time.Time{}, 1)
	if err != nil {
		t.Fatalf("rebuild ReconcileFolder: %v", err)
	}
	if !stats.FullScan {
		t.Error("expected a UIDVALIDITY change to force a full scan")
	}
	if stats.New != 1 {
		t.Errorf("expected the new generation's uid 1 to be fetched as new, New=%d", stats.New)
	}

	locations, err := st.LoadMessageLocations(ctx, acctID, "INBOX")
	if err != nil {
		t.Fatalf("LoadMessageLocations: %v", err)
	}
	loc, ok := locations[1]
	if !ok {
		t.Fatal("expected uid 1 to be present after the rebuild")
	}
	if loc.GmMsgID != "222" {
		t.Errorf("GmMsgID = %q, want the new generation's id %q", loc.GmMsgID, "222")
	}

	stale, err := st.FindLocationsByGmMsgID(ctx, acctID, []string{"111"})
	if err != nil {
		t.Fatalf("FindLocationsByGmMsgID: %v", err)
	}
	if _, ok := stale["111"]; ok {
		t.Error("expected the old generation's row to have been cleared, not merely superseded")
	}
}

func TestReconcileFolderExpungeSuspected(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	pool := workerpool.New(2)
	defer pool.Close()

	src := &testutil.FakeSource{
		Select:  reconcile.SelectResult{UIDValidity: 1, UIDNext: 3, Exists: 2, HighestModSeq: 10},
		AllUIDs: []uint32{1, 2},
		NewMessages: map[uint32]reconcile.FetchedMessage{
			1: fetchedMessage(1, "hello"),
			2: fetchedMessage(2, "world"),
		},
	}
	if _, err := reconcile.ReconcileFolder(ctx, st, src, pool, acctID, "INBOX", time.Time{}, 0); err != nil {
		t.Fatalf("seed ReconcileFolder: %v", err)
	}

	src.Select = reconcile.SelectResult{UIDValidity: 1, UIDNext: 3, Exists: 1, HighestModSeq: 20}
	src.AllUIDs = []uint32{1}

	stats, err := reconcile.ReconcileFolder(ctx, st, src, pool, acctID, "INBOX", time.Time{}, 1)
	if err != nil {
		t.Fatalf("expunge-suspect ReconcileFolder: %v", err)
	}
	if !stats.FullScan {
		t.Error("expected a drop in Exists to force a full scan")
	}
	if len(stats.RemoteUIDs) != 1 || stats.RemoteUIDs[0] != 1 {
		t.Errorf("RemoteUIDs = %v, want [1]", stats.RemoteUIDs)
	}
}

func TestReconcileFolderPeriodicFullScan(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	pool := workerpool.New(2)
	defer pool.Close()

	src := &testutil.FakeSource{
		Select:  reconcile.SelectResult{UIDValidity: 1, UIDNext: 2, Exists: 1, HighestModSeq: 10},
		AllUIDs: []uint32{1},
		NewMessages: map[uint32]reconcile.FetchedMessage{
			1: fetchedMessage(1, "hello"),
		},
	}
	if _, err := reconcile.ReconcileFolder(ctx, st, src, pool, acctID, "INBOX", time.Time{}, 0); err != nil {
		t.Fatalf("seed ReconcileFolder: %v", err)
	}

	stats, err := reconcile.ReconcileFolder(ctx, st, src, pool, acctID, "INBOX", time.Time{}, 12)
	if err != nil {
		t.Fatalf("periodic ReconcileFolder: %v", err)
	}
	if !stats.FullScan {
		t.Error("expected scanCounter a multiple of the periodic interval to force a full scan even with an unchanged HighestModSeq")
	}
}

func TestReconcileFolderMoveDetection(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	pool := workerpool.New(2)
	defer pool.Close()

	inboxSrc := &testutil.FakeSource{
		Select:  reconcile.SelectResult{UIDValidity: 1, UIDNext: 2, Exists: 1, HighestModSeq: 10},
		AllUIDs: []uint32{1},
		NewMessages: map[uint32]reconcile.FetchedMessage{
			1: fetchedMessage(1, "hello"),
		},
	}
	if _, err := reconcile.ReconcileFolder(ctx, st, inboxSrc, pool, acctID, "INBOX", time.Time{}, 0); err != nil {
		t.Fatalf("seed ReconcileFolder: %v", err)
	}

	locations, err := st.LoadMessageLocations(ctx, acctID, "INBOX")
	if err != nil {
		t.Fatalf("LoadMessageLocations: %v", err)
	}
	gmMsgID := locations[1].GmMsgID

	archiveSrc := &testutil.FakeSource{
		Select:  reconcile.SelectResult{UIDValidity: 1, UIDNext: 2, Exists: 1, HighestModSeq: 5},
		AllUIDs: []uint32{9},
		NewMessages: map[uint32]reconcile.FetchedMessage{
			9: fetchedMessage(9, "hello"),
		},
		GmailCapable: true,
		GmailAttrs: map[uint32]reconcile.GmailAttrs{
			9: {MsgID: gmMsgID, ThrID: "thr-1", Labels: []string{"Archived"}},
		},
	}

	stats, err := reconcile.ReconcileFolder(ctx, st, archiveSrc, pool, acctID, "Archive", time.Time{}, 0)
	if err != nil {
		t.Fatalf("Archive ReconcileFolder: %v", err)
	}
	if stats.New != 0 {
		t.Errorf("expected a moved message not to be treated as new, got New=%d", stats.New)
	}
	if stats.Updated != 1 {
		t.Errorf("expected the move to be recorded as one update, got Updated=%d", stats.Updated)
	}

	inboxLocations, err := st.LoadMessageLocations(ctx, acctID, "INBOX")
	if err != nil {
		t.Fatalf("LoadMessageLocations(INBOX): %v", err)
	}
	if len(inboxLocations) != 0 {
		t.Errorf("expected the message to have left INBOX, found %+v", inboxLocations)
	}

	archiveLocations, err := st.LoadMessageLocations(ctx, acctID, "Archive")
	if err != nil {
		t.Fatalf("LoadMessageLocations(Archive): %v", err)
	}
	if loc, ok := archiveLocations[9]; !ok || loc.GmMsgID != gmMsgID {
		t.Errorf("expected the message at uid 9 in Archive, got %+v", archiveLocations)
	}
}
