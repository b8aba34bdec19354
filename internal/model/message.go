package model

import "time"

// MessageMetadata is keyed by the stable cross-folder identifier GmMsgID
// (Gmail's X-GM-MSGID). It records exactly one current location for the
// message; a second folder appearance is treated as a move, never as a
// second row.
type MessageMetadata struct {
	GmMsgID        string
	AccountID      string
	Folder         string
	UID            uint32
	GmThrID        string
	InternalDate   time.Time
	Subject        string
	From           string
	To             string
	Cc             string
	Bcc            string
	Flags          []string
	Labels         []string
	HasAttachments bool
	SizeBytes      uint32
	RawHash        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AttachmentDescriptor describes one attachment part found during
// sanitization, in declaration order.
type AttachmentDescriptor struct {
	Filename    string
	Size        int
	ContentType string
	ContentID   string
}

// MessageBody is keyed by GmMsgID and carries the sanitized view of a
// message plus, by default, the raw RFC 822 bytes.
type MessageBody struct {
	GmMsgID       string
	RawRFC822     []byte
	SanitizedText string
	MimeSummary   string
	Attachments   []AttachmentDescriptor
	SanitizedAt   time.Time
}

// MessageLocation is the subset of MessageMetadata a reconciler needs to
// diff the server's current UID set against what the store already knows.
type MessageLocation struct {
	GmMsgID string
	Folder  string
	UID     uint32
	Flags   []string
	Labels  []string
}
