package model

import "time"

// FolderState is the per-(account, folder) record of what the local store
// knows about the remote folder's generation and modification sequence.
// A zero value with UIDValidity == nil means the folder has never been
// synced.
type FolderState struct {
	ID             int64
	AccountID      string
	Name           string
	UIDValidity    *uint32
	HighestUID     *uint32
	HighestModSeq  *uint64
	ExistsCount    *uint32
	LastSyncTS     *time.Time
	LastFullScanTS *time.Time
}

// IsSeeded reports whether this folder has completed at least one initial
// seed (i.e. has a known UIDVALIDITY).
func (f FolderState) IsSeeded() bool {
	return f.UIDValidity != nil
}

// Reset clears every attribute except the identity fields, as required
// when UIDVALIDITY changes and the folder must be fully reseeded.
func (f *FolderState) Reset() {
	f.UIDValidity = nil
	f.HighestUID = nil
	f.HighestModSeq = nil
	f.ExistsCount = nil
	f.LastSyncTS = nil
	f.LastFullScanTS = nil
}
