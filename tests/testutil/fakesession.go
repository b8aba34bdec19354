package testutil

import (
	"context"
	"time"

	"github.com/ottosync/otto/internal/reconcile"
)

// FakeSource is a hand-written, in-memory stand-in for reconcile.Source,
// letting reconciler tests drive a folder's remote state without a real
// IMAP connection.
type FakeSource struct {
	Select    reconcile.SelectResult
	AllUIDs   []uint32
	SinceUIDs map[time.Time][]uint32

	NewMessages map[uint32]reconcile.FetchedMessage
	Updates     []reconcile.FlagUpdate
	// PreCutoffUIDs marks UIDs a real `UID SEARCH SINCE` would exclude,
	// modeling messages older than the account's cutoff. FetchUpdatesSince
	// drops them regardless of ModSeq, the way the real search-then-fetch
	// two-step does.
	PreCutoffUIDs map[uint32]bool

	GmailAttrs   map[uint32]reconcile.GmailAttrs
	GmailCapable bool

	SelectCalls int
}

func (f *FakeSource) SelectCondstore(ctx context.Context, folder string) (reconcile.SelectResult, error) {
	f.SelectCalls++
	return f.Select, nil
}

func (f *FakeSource) UIDSearchAll(ctx context.Context) ([]uint32, error) {
	return f.AllUIDs, nil
}

func (f *FakeSource) UIDSearchSince(ctx context.Context, since time.Time) ([]uint32, error) {
	if f.SinceUIDs != nil {
		if uids, ok := f.SinceUIDs[since]; ok {
			return uids, nil
		}
	}
	return f.AllUIDs, nil
}

func (f *FakeSource) FetchNew(ctx context.Context, uids []uint32) ([]reconcile.FetchedMessage, error) {
	out := make([]reconcile.FetchedMessage, 0, len(uids))
	for _, uid := range uids {
		if fm, ok := f.NewMessages[uid]; ok {
			out = append(out, fm)
		}
	}
	return out, nil
}

func (f *FakeSource) FetchUpdatesSince(ctx context.Context, since time.Time, sinceModSeq uint64) ([]reconcile.FlagUpdate, error) {
	var out []reconcile.FlagUpdate
	for _, u := range f.Updates {
		if f.PreCutoffUIDs[u.UID] {
			continue
		}
		if u.ModSeq > sinceModSeq {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *FakeSource) FetchGmailAttrs(ctx context.Context, folder string, uids []uint32) (map[uint32]reconcile.GmailAttrs, error) {
	out := make(map[uint32]reconcile.GmailAttrs, len(uids))
	for _, uid := range uids {
		if a, ok := f.GmailAttrs[uid]; ok {
			out[uid] = a
		}
	}
	return out, nil
}

func (f *FakeSource) HasGmailExtension() bool {
	return f.GmailCapable
}
