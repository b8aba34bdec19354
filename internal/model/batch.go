package model

// NewMessage pairs a metadata row with its body for a single insert.
type NewMessage struct {
	Metadata MessageMetadata
	Body     MessageBody
}

// MessageUpdate describes a metadata-only change to an existing row:
// flags, labels, and/or location (folder/uid, for moves).
type MessageUpdate struct {
	GmMsgID string
	Folder  string
	UID     uint32
	Flags   []string
	Labels  []string
}

// FolderBatch is the unit of a single committed sync step for one folder.
// It is transient: built up in memory by the reconciler and handed to the
// Store exactly once, inside CommitFolderBatch.
type FolderBatch struct {
	AccountID string
	Folder    string
	New       []NewMessage
	Updates   []MessageUpdate
	Purge     []string // gm_msgids to delete
	State     FolderState
}

// IsEmpty reports whether this batch carries no new messages, updates or
// purges. State is not considered: committing an empty batch still
// advances the folder's FolderState.
func (b FolderBatch) IsEmpty() bool {
	return len(b.New) == 0 && len(b.Updates) == 0 && len(b.Purge) == 0
}
