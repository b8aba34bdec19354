package model

import "time"

// Provider is a tagged variant identifying the remote mail system an
// Account speaks to. It currently has one member; new providers are added
// as new constants, not as a registry, so a capability check at each
// provider-specific call site is the only place the tag is consulted.
type Provider string

const (
	// ProviderGmailImap is the only supported provider: Gmail over IMAP
	// with the X-GM-EXT-1 extension (X-GM-MSGID, X-GM-THRID, X-GM-LABELS).
	ProviderGmailImap Provider = "gmail_imap"
)

// AccountSettings holds the per-account sync configuration.
type AccountSettings struct {
	Folders             []string
	CutoffSince         time.Time
	PollIntervalMinutes int
	PrefetchRecent      int
	SafeMode            bool
}

// DefaultAccountSettings returns the standard Gmail folder set and sync
// defaults for a newly added account, with cutoffSince as the only
// caller-supplied value.
func DefaultAccountSettings(cutoffSince time.Time) AccountSettings {
	return AccountSettings{
		Folders: []string{
			"INBOX",
			"[Gmail]/Sent Mail",
			"[Gmail]/Trash",
			"[Gmail]/Spam",
		},
		CutoffSince:         cutoffSince,
		PollIntervalMinutes: 5,
		PrefetchRecent:      100,
		SafeMode:            false,
	}
}

// Account identifies one mailbox the sync core maintains a cache for.
// ID is stable and equal to Email; there is no separate surrogate key.
type Account struct {
	ID        string
	Email     string
	Provider  Provider
	Settings  AccountSettings
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FolderNames returns the configured folder list for this account.
func (a Account) FolderNames() []string {
	return a.Settings.Folders
}
