package imapsync

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/ottosync/otto/internal/apperr"
)

// GmailAttrs holds the three Gmail IMAP extension fields go-imap v2's
// typed Fetch API has no model for. They are never optional for a
// GmailImap account: every new message and every folder rediscovered
// after an UIDVALIDITY change needs them to key into the rest of the
// store.
type GmailAttrs struct {
	MsgID  string
	ThrID  string
	Labels []string
}

// FetchGmailAttrs opens a short-lived, dedicated connection and issues a
// raw "UID FETCH (X-GM-MSGID X-GM-THRID X-GM-LABELS)" for uids in folder.
// It exists because no typed FETCH item for Gmail's proprietary
// attributes is available through go-imap v2 (see DESIGN.md); rather than
// vendor a second full client, this speaks just enough of RFC 3501 to
// read one kind of response line.
func FetchGmailAttrs(ctx context.Context, addr, email, accessToken, folder string, uids []uint32) (map[uint32]GmailAttrs, error) {
	out := make(map[uint32]GmailAttrs)
	if len(uids) == 0 {
		return out, nil
	}

	dialer := &net.Dialer{Timeout: 15 * time.Second}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, apperr.New(apperr.KindNetwork, fmt.Sprintf("dialing %s for Gmail attrs", addr), err)
	}
	host, _, _ := net.SplitHostPort(addr)
	conn := tls.Client(raw, &tls.Config{ServerName: host})
	if err := conn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, apperr.New(apperr.KindNetwork, "TLS handshake for Gmail attrs", err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	if _, err := r.ReadString('\n'); err != nil { // greeting
		return nil, apperr.New(apperr.KindProtocol, "reading greeting", err)
	}

	authClient := sasl.NewXoauth2Client(email, accessToken)
	_, ir, err := authClient.Start()
	if err != nil {
		return nil, apperr.New(apperr.KindAuth, "building XOAUTH2 initial response", err)
	}
	cmd := fmt.Sprintf("a1 AUTHENTICATE XOAUTH2 %s\r\n", base64.StdEncoding.EncodeToString(ir))
	if err := writeLine(conn, cmd); err != nil {
		return nil, err
	}
	if err := readUntilTagged(r, "a1"); err != nil {
		return nil, apperr.New(apperr.KindAuth, "XOAUTH2 authentication for Gmail attrs", err)
	}

	if err := writeLine(conn, fmt.Sprintf("a2 SELECT %s\r\n", quoteMailbox(folder))); err != nil {
		return nil, err
	}
	if err := readUntilTagged(r, "a2"); err != nil {
		return nil, apperr.New(apperr.KindProtocol, fmt.Sprintf("selecting %q for Gmail attrs", folder), err)
	}

	uidSet := joinUIDs(uids)
	if err := writeLine(conn, fmt.Sprintf("a3 UID FETCH %s (UID X-GM-MSGID X-GM-THRID X-GM-LABELS)\r\n", uidSet)); err != nil {
		return nil, err
	}
	lines, err := readLinesUntilTagged(r, "a3")
	if err != nil {
		return nil, apperr.New(apperr.KindProtocol, "fetching Gmail attrs", err)
	}
	for _, line := range lines {
		uid, attrs, ok := parseGmailFetchLine(line)
		if ok {
			out[uid] = attrs
		}
	}

	_ = writeLine(conn, "a4 LOGOUT\r\n")
	return out, nil
}

func writeLine(conn net.Conn, line string) error {
	if _, err := conn.Write([]byte(line)); err != nil {
		return apperr.New(apperr.KindNetwork, "writing IMAP command", err)
	}
	return nil
}

func readUntilTagged(r *bufio.Reader, tag string) error {
	_, err := readLinesUntilTagged(r, tag)
	return err
}

// readLinesUntilTagged reads lines until one begins with "<tag> OK"/"NO"/
// "BAD", returning every untagged ("*") line seen along the way. It
// assumes the server never pipelines multiple tagged responses for the
// same command, which holds for every command this file issues.
func readLinesUntilTagged(r *bufio.Reader, tag string) ([]string, error) {
	var untagged []string
	prefix := tag + " "
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return untagged, apperr.New(apperr.KindProtocol, "reading IMAP response", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, prefix+"OK"):
			return untagged, nil
		case strings.HasPrefix(line, prefix+"NO") || strings.HasPrefix(line, prefix+"BAD"):
			return untagged, fmt.Errorf("server rejected command: %s", line)
		case strings.HasPrefix(line, "*"):
			untagged = append(untagged, line)
		}
	}
}

func quoteMailbox(name string) string {
	escaped := strings.ReplaceAll(name, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return `"` + escaped + `"`
}

func joinUIDs(uids []uint32) string {
	parts := make([]string, len(uids))
	for i, u := range uids {
		parts[i] = strconv.FormatUint(uint64(u), 10)
	}
	return strings.Join(parts, ",")
}

var (
	uidPattern    = regexp.MustCompile(`\bUID (\d+)\b`)
	gmMsgIDPat    = regexp.MustCompile(`\bX-GM-MSGID (\d+)\b`)
	gmThrIDPat    = regexp.MustCompile(`\bX-GM-THRID (\d+)\b`)
	gmLabelsPat   = regexp.MustCompile(`\bX-GM-LABELS \(([^)]*)\)`)
)

func parseGmailFetchLine(line string) (uint32, GmailAttrs, bool) {
	m := uidPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, GmailAttrs{}, false
	}
	uid64, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, GmailAttrs{}, false
	}

	var attrs GmailAttrs
	if m := gmMsgIDPat.FindStringSubmatch(line); m != nil {
		attrs.MsgID = m[1]
	}
	if m := gmThrIDPat.FindStringSubmatch(line); m != nil {
		attrs.ThrID = m[1]
	}
	if m := gmLabelsPat.FindStringSubmatch(line); m != nil {
		attrs.Labels = tokenizeLabelList(m[1])
	}
	return uint32(uid64), attrs, attrs.MsgID != ""
}

// tokenizeLabelList splits an IMAP parenthesized list of atoms/strings,
// honoring double-quoted entries that may contain spaces (Gmail labels
// commonly do, e.g. "Label One").
func tokenizeLabelList(s string) []string {
	var out []string
	var cur strings.Builder
	inQuotes := false
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == ' ' && !inQuotes:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}
