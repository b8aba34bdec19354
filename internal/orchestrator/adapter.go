package orchestrator

import (
	"context"
	"time"

	"github.com/ottosync/otto/internal/imapsync"
	"github.com/ottosync/otto/internal/reconcile"
)

// sessionSource adapts an *imapsync.Session to reconcile.Source. The two
// packages define structurally identical result types so that neither has
// to import the other; this is the one place that knowledge is exploited
// to convert between them field by field.
type sessionSource struct {
	sess *imapsync.Session
}

func (s sessionSource) SelectCondstore(ctx context.Context, folder string) (reconcile.SelectResult, error) {
	r, err := s.sess.SelectCondstore(ctx, folder)
	if err != nil {
		return reconcile.SelectResult{}, err
	}
	return reconcile.SelectResult{
		UIDValidity:   r.UIDValidity,
		UIDNext:       r.UIDNext,
		Exists:        r.Exists,
		HighestModSeq: r.HighestModSeq,
	}, nil
}

func (s sessionSource) UIDSearchAll(ctx context.Context) ([]uint32, error) {
	return s.sess.UIDSearchAll(ctx)
}

func (s sessionSource) UIDSearchSince(ctx context.Context, since time.Time) ([]uint32, error) {
	return s.sess.UIDSearchSince(ctx, since)
}

func (s sessionSource) FetchNew(ctx context.Context, uids []uint32) ([]reconcile.FetchedMessage, error) {
	fetched, err := s.sess.FetchNew(ctx, uids)
	if err != nil {
		return nil, err
	}
	out := make([]reconcile.FetchedMessage, len(fetched))
	for i, fm := range fetched {
		out[i] = reconcile.FetchedMessage{
			UID:          fm.UID,
			ModSeq:       fm.ModSeq,
			InternalDate: fm.InternalDate,
			Flags:        fm.Flags,
			Subject:      fm.Subject,
			From:         fm.From,
			To:           fm.To,
			Cc:           fm.Cc,
			Bcc:          fm.Bcc,
			SizeBytes:    fm.SizeBytes,
			RawRFC822:    fm.RawRFC822,
		}
	}
	return out, nil
}

func (s sessionSource) FetchUpdatesSince(ctx context.Context, since time.Time, sinceModSeq uint64) ([]reconcile.FlagUpdate, error) {
	changed, err := s.sess.FetchUpdatesSince(ctx, since, sinceModSeq)
	if err != nil {
		return nil, err
	}
	out := make([]reconcile.FlagUpdate, len(changed))
	for i, c := range changed {
		out[i] = reconcile.FlagUpdate{UID: c.UID, ModSeq: c.ModSeq, Flags: c.Flags}
	}
	return out, nil
}

func (s sessionSource) FetchGmailAttrs(ctx context.Context, folder string, uids []uint32) (map[uint32]reconcile.GmailAttrs, error) {
	attrs, err := s.sess.FetchGmailAttrs(ctx, folder, uids)
	if err != nil {
		return nil, err
	}
	out := make(map[uint32]reconcile.GmailAttrs, len(attrs))
	for uid, a := range attrs {
		out[uid] = reconcile.GmailAttrs{MsgID: a.MsgID, ThrID: a.ThrID, Labels: a.Labels}
	}
	return out, nil
}

func (s sessionSource) HasGmailExtension() bool {
	return s.sess.HasGmailExtension()
}
