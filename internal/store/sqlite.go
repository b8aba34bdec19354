package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/ottosync/otto/internal/apperr"
	"github.com/ottosync/otto/internal/model"
)

// SQLiteStore implements Store on top of an embedded, file-backed SQLite
// database reached through the pure-Go modernc.org/sqlite driver, so Otto
// never needs a cgo toolchain to run.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens dbPath, applies any pending migrations, and returns
// a ready-to-use store. dbPath's parent directory must already exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, apperr.New(apperr.KindStore, "opening database", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return nil, apperr.New(apperr.KindStore, "setting journal_mode", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON;`); err != nil {
		return nil, apperr.New(apperr.KindStore, "enabling foreign_keys", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) runMigrations() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		);
	`); err != nil {
		return apperr.New(apperr.KindStore, "creating schema_version", err)
	}

	var current int
	if err := s.db.Get(&current, `SELECT COALESCE(MAX(version), 0) FROM schema_version;`); err != nil {
		return apperr.New(apperr.KindStore, "reading schema_version", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Beginx()
		if err != nil {
			return apperr.New(apperr.KindStore, "beginning migration transaction", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return apperr.New(apperr.KindStore, fmt.Sprintf("applying migration %d", m.version), err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?);`, m.version); err != nil {
			tx.Rollback()
			return apperr.New(apperr.KindStore, fmt.Sprintf("recording migration %d", m.version), err)
		}
		if err := tx.Commit(); err != nil {
			return apperr.New(apperr.KindStore, fmt.Sprintf("committing migration %d", m.version), err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveAccount(ctx context.Context, account model.Account) error {
	foldersJSON, err := json.Marshal(account.FolderNames())
	if err != nil {
		return apperr.New(apperr.KindStore, "marshaling folders", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, provider, cutoff_since, poll_interval_minutes, prefetch_recent, safe_mode, folders, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			provider = excluded.provider,
			cutoff_since = excluded.cutoff_since,
			poll_interval_minutes = excluded.poll_interval_minutes,
			prefetch_recent = excluded.prefetch_recent,
			safe_mode = excluded.safe_mode,
			folders = excluded.folders,
			updated_at = excluded.updated_at;
	`,
		account.ID, account.Email, string(account.Provider),
		account.Settings.CutoffSince.Format("2006-01-02"),
		account.Settings.PollIntervalMinutes, account.Settings.PrefetchRecent,
		boolToInt(account.Settings.SafeMode), string(foldersJSON),
		account.CreatedAt.Unix(), account.UpdatedAt.Unix(),
	)
	if err != nil {
		return apperr.New(apperr.KindStore, "saving account", err)
	}
	return nil
}

func (s *SQLiteStore) LoadAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, email, provider, cutoff_since, poll_interval_minutes, prefetch_recent, safe_mode, folders, created_at, updated_at
		FROM accounts
		ORDER BY email;
	`)
	if err != nil {
		return nil, apperr.New(apperr.KindStore, "loading accounts", err)
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		var (
			id, email, provider, cutoffSince, foldersJSON string
			pollInterval, prefetchRecent, safeMode         int
			createdAt, updatedAt                           int64
		)
		if err := rows.Scan(&id, &email, &provider, &cutoffSince, &pollInterval, &prefetchRecent, &safeMode, &foldersJSON, &createdAt, &updatedAt); err != nil {
			return nil, apperr.New(apperr.KindStore, "scanning account", err)
		}

		cutoff, err := time.Parse("2006-01-02", cutoffSince)
		if err != nil {
			return nil, apperr.New(apperr.KindStore, "parsing cutoff_since", err)
		}
		var folders []string
		if err := json.Unmarshal([]byte(foldersJSON), &folders); err != nil {
			return nil, apperr.New(apperr.KindStore, "unmarshaling folders", err)
		}

		out = append(out, model.Account{
			ID:       id,
			Email:    email,
			Provider: model.Provider(provider),
			Settings: model.AccountSettings{
				Folders:             folders,
				CutoffSince:         cutoff,
				PollIntervalMinutes: pollInterval,
				PrefetchRecent:      prefetchRecent,
				SafeMode:            safeMode != 0,
			},
			CreatedAt: time.Unix(createdAt, 0).UTC(),
			UpdatedAt: time.Unix(updatedAt, 0).UTC(),
		})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LoadFolderState(ctx context.Context, accountID, folder string) (model.FolderState, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, uidvalidity, highest_uid, highestmodseq, exists_count, last_sync_ts, last_uid_scan_ts
		FROM folders
		WHERE account_id = ? AND name = ?;
	`, accountID, folder)

	var (
		id                                    int64
		uidValidity, highestUID, existsCount  sql.NullInt64
		highestModSeq                         sql.NullInt64
		lastSyncTS, lastFullScanTS            sql.NullInt64
	)
	err := row.Scan(&id, &uidValidity, &highestUID, &highestModSeq, &existsCount, &lastSyncTS, &lastFullScanTS)
	if err == sql.ErrNoRows {
		return model.FolderState{AccountID: accountID, Name: folder}, nil
	}
	if err != nil {
		return model.FolderState{}, apperr.New(apperr.KindStore, "loading folder state", err)
	}

	fs := model.FolderState{ID: id, AccountID: accountID, Name: folder}
	if uidValidity.Valid {
		v := uint32(uidValidity.Int64)
		fs.UIDValidity = &v
	}
	if highestUID.Valid {
		v := uint32(highestUID.Int64)
		fs.HighestUID = &v
	}
	if highestModSeq.Valid {
		v := uint64(highestModSeq.Int64)
		fs.HighestModSeq = &v
	}
	if existsCount.Valid {
		v := uint32(existsCount.Int64)
		fs.ExistsCount = &v
	}
	if lastSyncTS.Valid {
		t := time.Unix(lastSyncTS.Int64, 0).UTC()
		fs.LastSyncTS = &t
	}
	if lastFullScanTS.Valid {
		t := time.Unix(lastFullScanTS.Int64, 0).UTC()
		fs.LastFullScanTS = &t
	}
	return fs, nil
}

func (s *SQLiteStore) upsertFolderState(tx *sqlx.Tx, fs model.FolderState) error {
	now := time.Now().Unix()
	_, err := tx.Exec(`
		INSERT INTO folders (account_id, name, uidvalidity, highest_uid, highestmodseq, exists_count, last_sync_ts, last_uid_scan_ts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, name) DO UPDATE SET
			uidvalidity = excluded.uidvalidity,
			highest_uid = excluded.highest_uid,
			highestmodseq = excluded.highestmodseq,
			exists_count = excluded.exists_count,
			last_sync_ts = excluded.last_sync_ts,
			last_uid_scan_ts = excluded.last_uid_scan_ts,
			updated_at = excluded.updated_at;
	`,
		fs.AccountID, fs.Name,
		nullableUint32(fs.UIDValidity), nullableUint32(fs.HighestUID), nullableUint64(fs.HighestModSeq), nullableUint32(fs.ExistsCount),
		nullableUnix(fs.LastSyncTS), nullableUnix(fs.LastFullScanTS),
		now, now,
	)
	if err != nil {
		return apperr.New(apperr.KindStore, "upserting folder state", err)
	}
	return nil
}

func (s *SQLiteStore) LoadMessageLocations(ctx context.Context, accountID, folder string) (map[uint32]model.MessageLocation, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, uid, flags, labels
		FROM messages
		WHERE account_id = ? AND folder = ? AND uid IS NOT NULL;
	`, accountID, folder)
	if err != nil {
		return nil, apperr.New(apperr.KindStore, "loading message locations", err)
	}
	defer rows.Close()

	out := make(map[uint32]model.MessageLocation)
	for rows.Next() {
		var (
			id, flagsJSON, labelsJSON string
			uid                       int64
		)
		if err := rows.Scan(&id, &uid, &flagsJSON, &labelsJSON); err != nil {
			return nil, apperr.New(apperr.KindStore, "scanning message location", err)
		}
		loc := model.MessageLocation{GmMsgID: id, Folder: folder, UID: uint32(uid)}
		loc.Flags = unmarshalStrings(flagsJSON)
		loc.Labels = unmarshalStrings(labelsJSON)
		out[loc.UID] = loc
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FindLocationsByGmMsgID(ctx context.Context, accountID string, gmMsgIDs []string) (map[string]model.MessageLocation, error) {
	out := make(map[string]model.MessageLocation)
	if len(gmMsgIDs) == 0 {
		return out, nil
	}

	query, args, err := inClause(`
		SELECT id, folder, uid, flags, labels
		FROM messages
		WHERE account_id = ? AND id IN (?);
	`, accountID, gmMsgIDs)
	if err != nil {
		return nil, apperr.New(apperr.KindStore, "building location lookup query", err)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.New(apperr.KindStore, "looking up message locations", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, folder, flagsJSON, labelsJSON string
			uid                               sql.NullInt64
		)
		if err := rows.Scan(&id, &folder, &uid, &flagsJSON, &labelsJSON); err != nil {
			return nil, apperr.New(apperr.KindStore, "scanning message location", err)
		}
		loc := model.MessageLocation{GmMsgID: id, Folder: folder}
		if uid.Valid {
			loc.UID = uint32(uid.Int64)
		}
		loc.Flags = unmarshalStrings(flagsJSON)
		loc.Labels = unmarshalStrings(labelsJSON)
		out[id] = loc
	}
	return out, rows.Err()
}

// CommitFolderBatch writes a folder's new messages, flag/label/location
// updates, purges, and advanced FolderState in a single transaction. An
// error at any point rolls the whole batch back, leaving the prior
// FolderState intact so the next poll simply refetches. The transaction
// does not inherit ctx's cancellation or deadline, so a timeout that fires
// mid-commit cannot abort it.
func (s *SQLiteStore) CommitFolderBatch(ctx context.Context, batch model.FolderBatch) error {
	tx, err := s.db.BeginTxx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return apperr.New(apperr.KindStore, "beginning batch transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()

	for _, nm := range batch.New {
		if err := upsertMessageTx(tx, nm.Metadata, now); err != nil {
			return err
		}
		if err := upsertBodyTx(tx, nm.Body, now); err != nil {
			return err
		}
	}

	for _, upd := range batch.Updates {
		flagsJSON, err := json.Marshal(upd.Flags)
		if err != nil {
			return apperr.New(apperr.KindStore, "marshaling update flags", err)
		}
		labelsJSON, err := json.Marshal(upd.Labels)
		if err != nil {
			return apperr.New(apperr.KindStore, "marshaling update labels", err)
		}
		_, err = tx.Exec(`
			UPDATE messages
			SET folder = ?, uid = ?, flags = ?, labels = ?, updated_at = ?
			WHERE account_id = ? AND id = ?;
		`, upd.Folder, upd.UID, string(flagsJSON), string(labelsJSON), now, batch.AccountID, upd.GmMsgID)
		if err != nil {
			return apperr.New(apperr.KindStore, "applying message update", err)
		}
	}

	if len(batch.Purge) > 0 {
		if err := deleteMessagesByIDTx(tx, batch.AccountID, batch.Purge); err != nil {
			return err
		}
	}

	if err := s.upsertFolderState(tx, batch.State); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperr.New(apperr.KindStore, "committing batch", err)
	}
	return nil
}

func upsertMessageTx(tx *sqlx.Tx, m model.MessageMetadata, now int64) error {
	flagsJSON, err := json.Marshal(m.Flags)
	if err != nil {
		return apperr.New(apperr.KindStore, "marshaling flags", err)
	}
	labelsJSON, err := json.Marshal(m.Labels)
	if err != nil {
		return apperr.New(apperr.KindStore, "marshaling labels", err)
	}

	_, err = tx.Exec(`
		INSERT INTO messages (
			id, account_id, folder, uid, thread_id, internal_date,
			subject, from_addr, to_addrs, cc_addrs, bcc_addrs,
			flags, labels, has_attachments, size_bytes, raw_hash,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account_id = excluded.account_id,
			folder = excluded.folder,
			uid = excluded.uid,
			thread_id = excluded.thread_id,
			internal_date = excluded.internal_date,
			subject = excluded.subject,
			from_addr = excluded.from_addr,
			to_addrs = excluded.to_addrs,
			cc_addrs = excluded.cc_addrs,
			bcc_addrs = excluded.bcc_addrs,
			flags = excluded.flags,
			labels = excluded.labels,
			has_attachments = excluded.has_attachments,
			size_bytes = excluded.size_bytes,
			raw_hash = excluded.raw_hash,
			updated_at = excluded.updated_at;
	`,
		m.GmMsgID, m.AccountID, m.Folder, m.UID, m.GmThrID, m.InternalDate.Unix(),
		m.Subject, m.From, m.To, m.Cc, m.Bcc,
		string(flagsJSON), string(labelsJSON), boolToInt(m.HasAttachments), m.SizeBytes, m.RawHash,
		now, now,
	)
	if err != nil {
		return apperr.New(apperr.KindStore, "upserting message", err)
	}
	return nil
}

func upsertBodyTx(tx *sqlx.Tx, b model.MessageBody, now int64) error {
	attachmentsJSON, err := json.Marshal(b.Attachments)
	if err != nil {
		return apperr.New(apperr.KindStore, "marshaling attachments", err)
	}

	_, err = tx.Exec(`
		INSERT INTO bodies (message_id, raw_rfc822, sanitized_text, mime_summary, attachments_json, sanitized_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			raw_rfc822 = excluded.raw_rfc822,
			sanitized_text = excluded.sanitized_text,
			mime_summary = excluded.mime_summary,
			attachments_json = excluded.attachments_json,
			sanitized_at = excluded.sanitized_at;
	`, b.GmMsgID, b.RawRFC822, b.SanitizedText, b.MimeSummary, string(attachmentsJSON), now)
	if err != nil {
		return apperr.New(apperr.KindStore, "upserting body", err)
	}
	return nil
}

func deleteMessagesByIDTx(tx *sqlx.Tx, accountID string, gmMsgIDs []string) error {
	query, args, err := inClause(`DELETE FROM bodies WHERE message_id IN (?);`, "", gmMsgIDs)
	if err != nil {
		return apperr.New(apperr.KindStore, "building purge query", err)
	}
	if _, err := tx.Exec(query, args...); err != nil {
		return apperr.New(apperr.KindStore, "purging bodies", err)
	}

	query, args, err = inClause(`DELETE FROM messages WHERE account_id = ? AND id IN (?);`, accountID, gmMsgIDs)
	if err != nil {
		return apperr.New(apperr.KindStore, "building purge query", err)
	}
	if _, err := tx.Exec(query, args...); err != nil {
		return apperr.New(apperr.KindStore, "purging messages", err)
	}
	return nil
}

func (s *SQLiteStore) PurgeMissing(ctx context.Context, accountID, folder string, keepUIDs []uint32) (int, error) {
	keep := make(map[uint32]bool, len(keepUIDs))
	for _, u := range keepUIDs {
		keep[u] = true
	}

	rows, err := s.db.QueryxContext(ctx, `SELECT id, uid FROM messages WHERE account_id = ? AND folder = ? AND uid IS NOT NULL;`, accountID, folder)
	if err != nil {
		return 0, apperr.New(apperr.KindStore, "scanning folder for purge", err)
	}
	defer rows.Close()

	var toDelete []string
	for rows.Next() {
		var id string
		var uid int64
		if err := rows.Scan(&id, &uid); err != nil {
			return 0, apperr.New(apperr.KindStore, "scanning purge row", err)
		}
		if !keep[uint32(uid)] {
			toDelete = append(toDelete, id)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, apperr.New(apperr.KindStore, "scanning folder for purge", err)
	}

	if len(toDelete) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, apperr.New(apperr.KindStore, "beginning purge transaction", err)
	}
	defer tx.Rollback()

	if err := deleteMessagesByIDTx(tx, accountID, toDelete); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, apperr.New(apperr.KindStore, "committing purge", err)
	}
	return len(toDelete), nil
}

// ClearFolder deletes every message row (and its body) recorded for
// accountID/folder, in its own transaction. Runs eagerly, ahead of the
// reconciler's own CommitFolderBatch for the same call, so a freshly
// reseeded row can never be reinserted and then immediately deleted again
// by a stale purge list computed before the clear.
func (s *SQLiteStore) ClearFolder(ctx context.Context, accountID, folder string) error {
	rows, err := s.db.QueryxContext(ctx, `SELECT id FROM messages WHERE account_id = ? AND folder = ?;`, accountID, folder)
	if err != nil {
		return apperr.New(apperr.KindStore, "scanning folder to clear", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return apperr.New(apperr.KindStore, "scanning row to clear", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return apperr.New(apperr.KindStore, "scanning folder to clear", err)
	}
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.New(apperr.KindStore, "beginning clear transaction", err)
	}
	defer tx.Rollback()

	if err := deleteMessagesByIDTx(tx, accountID, ids); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.New(apperr.KindStore, "committing clear", err)
	}
	return nil
}

// DedupeLegacy removes stale rows keyed by a pre-gm_msgid composite ID
// (containing a colon) once a stable gm_msgid row (an id beginning with a
// digit) sharing the same raw_hash has superseded it.
func (s *SQLiteStore) DedupeLegacy(ctx context.Context, accountID string, limit int) (int, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT legacy.id
		FROM messages legacy
		JOIN messages stable
			ON stable.account_id = legacy.account_id
			AND stable.raw_hash = legacy.raw_hash
			AND stable.id != legacy.id
		WHERE legacy.account_id = ?
			AND legacy.id LIKE '%:%'
			AND legacy.raw_hash IS NOT NULL
			AND stable.id GLOB '[0-9]*'
		LIMIT ?;
	`, accountID, limit)
	if err != nil {
		return 0, apperr.New(apperr.KindStore, "finding legacy duplicates", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, apperr.New(apperr.KindStore, "scanning legacy duplicate", err)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, apperr.New(apperr.KindStore, "beginning dedupe transaction", err)
	}
	defer tx.Rollback()

	if err := deleteMessagesByIDTx(tx, accountID, ids); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, apperr.New(apperr.KindStore, "committing dedupe", err)
	}
	return len(ids), nil
}

func unmarshalStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableUint32(v *uint32) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullableUint64(v *uint64) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullableUnix(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

// inClause expands a single "IN (?)" placeholder against a slice of
// values, returning a query safe to pass to sqlx's positional binder.
// accountID, if non-empty, is prepended as the first bound argument ahead
// of the expanded list.
func inClause(query, accountID string, values []string) (string, []interface{}, error) {
	if len(values) == 0 {
		return "", nil, fmt.Errorf("inClause: empty value list")
	}
	placeholders := make([]string, len(values))
	args := make([]interface{}, 0, len(values)+1)
	if accountID != "" {
		args = append(args, accountID)
	}
	for i, v := range values {
		placeholders[i] = "?"
		args = append(args, v)
	}
	expanded := strings.Replace(query, "(?)", "("+strings.Join(placeholders, ",")+")", 1)
	return expanded, args, nil
}
