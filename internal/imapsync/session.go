// Package imapsync wraps go-imap v2 for the one access pattern Otto needs:
// connect with XOAUTH2, SELECT a folder with CONDSTORE, and fetch either
// new messages or flag/label-only updates. It knows nothing about the
// database or the reconciliation state machine built on top of it.
package imapsync

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/ottosync/otto/internal/apperr"
)

const gmailExtCapability = imap.Cap("X-GM-EXT-1")

// Session wraps one authenticated IMAP connection for one account. It is
// not safe for concurrent use; the orchestrator holds at most one Session
// per in-flight folder sync.
type Session struct {
	client   *imapclient.Client
	addr     string
	email    string
	token    string
	hasGmail bool
	selected string
}

// Dial connects to addr over implicit TLS and authenticates with XOAUTH2
// using email and an OAuth2 bearer accessToken. The returned Session owns
// the connection; call Close when done with it.
func Dial(ctx context.Context, addr, email, accessToken string) (*Session, error) {
	client, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, apperr.New(apperr.KindNetwork, fmt.Sprintf("dialing %s", addr), err)
	}

	authClient := sasl.NewXoauth2Client(email, accessToken)
	if err := client.Authenticate(authClient); err != nil {
		_ = client.Logout().Wait()
		return nil, apperr.New(apperr.KindAuth, fmt.Sprintf("XOAUTH2 for %s", email), err)
	}

	caps, err := client.Capability().Wait()
	if err != nil {
		_ = client.Logout().Wait()
		return nil, apperr.New(apperr.KindProtocol, "reading capabilities", err)
	}
	_, hasGmail := caps[gmailExtCapability]

	return &Session{
		client:   client,
		addr:     addr,
		email:    email,
		token:    accessToken,
		hasGmail: hasGmail,
	}, nil
}

// HasGmailExtension reports whether the server advertised X-GM-EXT-1.
// Callers gate every X-GM-MSGID/X-GM-THRID/X-GM-LABELS fetch on this.
func (s *Session) HasGmailExtension() bool {
	return s.hasGmail
}

// Close logs out and releases the underlying connection.
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Logout().Wait()
}

// SelectResult is the subset of SELECT's untagged data the reconciler
// needs to decide whether a folder needs a UIDVALIDITY rebuild.
type SelectResult struct {
	UIDValidity   uint32
	UIDNext       uint32
	Exists        uint32
	HighestModSeq uint64
}

// SelectCondstore SELECTs folder with CONDSTORE enabled. If the server
// doesn't support CONDSTORE, HighestModSeq is left at zero and the caller
// falls back to a full UID search every poll.
func (s *Session) SelectCondstore(ctx context.Context, folder string) (SelectResult, error) {
	data, err := s.client.Select(folder, &imap.SelectOptions{CondStore: true}).Wait()
	if err != nil {
		return SelectResult{}, apperr.New(apperr.KindProtocol, fmt.Sprintf("selecting %q", folder), err)
	}
	s.selected = folder

	return SelectResult{
		UIDValidity:   data.UIDValidity,
		UIDNext:       uint32(data.UIDNext),
		Exists:        data.NumMessages,
		HighestModSeq: data.HighestModSeq,
	}, nil
}

// UIDSearchAll returns every UID currently in the selected folder.
func (s *Session) UIDSearchAll(ctx context.Context) ([]uint32, error) {
	data, err := s.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, apperr.New(apperr.KindProtocol, "searching all UIDs", err)
	}
	return toUint32s(data.AllUIDs()), nil
}

// UIDSearchSince returns UIDs for messages whose internal date is on or
// after since. Used for the initial seed, bounded by the account's
// configured cutoff.
func (s *Session) UIDSearchSince(ctx context.Context, since time.Time) ([]uint32, error) {
	data, err := s.client.UIDSearch(&imap.SearchCriteria{Since: since}, nil).Wait()
	if err != nil {
		return nil, apperr.New(apperr.KindProtocol, "searching UIDs since cutoff", err)
	}
	return toUint32s(data.AllUIDs()), nil
}

// FetchedMessage is one UID FETCH result for a new message: everything
// the reconciler needs to build a model.MessageMetadata/MessageBody pair,
// minus the Gmail-only fields (see FetchGmailAttrs).
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

// FetchNew retrieves full message data (envelope, flags, size, and the
// raw RFC 822 body) for every UID in uids.
func (s *Session) FetchNew(ctx context.Context, uids []uint32) ([]FetchedMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		Envelope:     true,
		InternalDate: true,
		RFC822Size:   true,
		ModSeq:       true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := s.client.Fetch(imap.UIDSetNum(toUIDs(uids)...), fetchOpts)
	defer fetchCmd.Close()

	var out []FetchedMessage
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			return out, apperr.New(apperr.KindProtocol, "collecting fetch response", err)
		}

		fm := FetchedMessage{
			UID:       uint32(buf.UID),
			ModSeq:    buf.ModSeq,
			SizeBytes: uint32(buf.RFC822Size),
		}
		if buf.InternalDate.IsZero() {
			fm.InternalDate = time.Now().UTC()
		} else {
			fm.InternalDate = buf.InternalDate
		}
		for _, f := range buf.Flags {
			fm.Flags = append(fm.Flags, string(f))
		}
		if buf.Envelope != nil {
			fm.Subject = buf.Envelope.Subject
			fm.From = addressList(buf.Envelope.From)
			fm.To = addressList(buf.Envelope.To)
			fm.Cc = addressList(buf.Envelope.Cc)
			fm.Bcc = addressList(buf.Envelope.Bcc)
		}
		if raw := buf.FindBodySection(bodySection); raw != nil {
			fm.RawRFC822 = raw
		}
		out = append(out, fm)
	}

	if err := fetchCmd.Close(); err != nil {
		return out, apperr.New(apperr.KindProtocol, "closing fetch command", err)
	}
	return out, nil
}

// FlagUpdate is one UID's current flags/modseq, returned by FetchUpdatesSince.
type FlagUpdate struct {
	UID    uint32
	ModSeq uint64
	Flags  []string
}

// FetchUpdatesSince retrieves flags (and modseq) for every message whose
// internal date is on or after since and whose MODSEQ exceeds
// sinceModSeq, without transferring any body data. UID SEARCH SINCE
// narrows the candidate set to the account's cutoff first, since
// CHANGEDSINCE alone would also surface flag changes on messages this
// folder was never asked to track; the FETCH's own CHANGEDSINCE then
// does the server-side MODSEQ filtering, cheap even for a folder with a
// large backlog that hasn't changed.
func (s *Session) FetchUpdatesSince(ctx context.Context, since time.Time, sinceModSeq uint64) ([]FlagUpdate, error) {
	searchData, err := s.client.UIDSearch(&imap.SearchCriteria{Since: since}, nil).Wait()
	if err != nil {
		return nil, apperr.New(apperr.KindProtocol, "searching UIDs since cutoff", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	fetchOpts := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		ModSeq:       true,
		ChangedSince: sinceModSeq,
	}

	fetchCmd := s.client.Fetch(imap.UIDSetNum(uids...), fetchOpts)
	defer fetchCmd.Close()

	var out []FlagUpdate
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			return out, apperr.New(apperr.KindProtocol, "collecting update response", err)
		}
		fu := FlagUpdate{UID: uint32(buf.UID), ModSeq: buf.ModSeq}
		for _, f := range buf.Flags {
			fu.Flags = append(fu.Flags, string(f))
		}
		out = append(out, fu)
	}
	if err := fetchCmd.Close(); err != nil {
		return out, apperr.New(apperr.KindProtocol, "closing update fetch", err)
	}
	return out, nil
}

// FetchGmailAttrs fetches X-GM-MSGID/X-GM-THRID/X-GM-LABELS for uids in
// folder over a separate short-lived connection (see gmailext.go). Callers
// must gate this on HasGmailExtension.
func (s *Session) FetchGmailAttrs(ctx context.Context, folder string, uids []uint32) (map[uint32]GmailAttrs, error) {
	return FetchGmailAttrs(ctx, s.addr, s.email, s.token, folder, uids)
}

func addressList(addrs []imap.Address) string {
	if len(addrs) == 0 {
		return ""
	}
	out := addrs[0].Addr()
	for _, a := range addrs[1:] {
		out += ", " + a.Addr()
	}
	return out
}

func toUIDs(uids []uint32) []imap.UID {
	out := make([]imap.UID, len(uids))
	for i, u := range uids {
		out[i] = imap.UID(u)
	}
	return out
}

func toUint32s(uids []imap.UID) []uint32 {
	out := make([]uint32, len(uids))
	for i, u := range uids {
		out[i] = uint32(u)
	}
	return out
}
