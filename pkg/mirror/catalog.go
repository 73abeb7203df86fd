package mirror

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

// MediaKind selects which attachment table an operation works on.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaDocument MediaKind = "document"
)

// catalogStore is the durable message/attachment catalog. All methods
// are single SQL statements except the batch upserts, which run in one
// transaction so a crash mid-page leaves no partial writes.
type catalogStore struct {
	db *dbutil.Database
}

func openCatalogStore(path string, log zerolog.Logger) (*catalogStore, error) {
	db, err := dbutil.NewWithDialect("file:"+path+"?_txlock=immediate&_foreign_keys=on", "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "catalog").Logger())
	store := &catalogStore{db: db}
	if err = store.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *catalogStore) Close() error {
	return s.db.Close()
}

func (s *catalogStore) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS photo (
			id    BIGINT  PRIMARY KEY,
			saved BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS document (
			id        BIGINT  PRIMARY KEY,
			mime_type TEXT,
			size      BIGINT,
			name      TEXT,
			saved     BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS message (
			id        BIGINT NOT NULL,
			chat_id   BIGINT NOT NULL,
			sender_id BIGINT,
			date_ms      BIGINT,
			edit_date_ms BIGINT,
			text      TEXT,
			reply_to_msg_id    BIGINT,
			reply_to_chat_id   BIGINT,
			reply_to_sender_id BIGINT,
			fwd_from_msg_id    BIGINT,
			fwd_from_chat_id   BIGINT,
			fwd_from_sender_id BIGINT,
			fwd_from_date_ms   BIGINT,
			photo_id    BIGINT REFERENCES photo (id),
			document_id BIGINT REFERENCES document (id),
			linked      BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (id, chat_id)
		)`,
		`CREATE TABLE IF NOT EXISTS file_code (
			code         TEXT   PRIMARY KEY,
			bot_username TEXT   NOT NULL,
			start_id     BIGINT,
			end_id       BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS message_chat_photo_idx
			ON message (chat_id, photo_id) WHERE photo_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS message_chat_document_idx
			ON message (chat_id, document_id) WHERE document_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS message_unlinked_idx
			ON message (linked) WHERE linked = FALSE`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure catalog schema: %w", err)
		}
	}
	return nil
}

// messageRow mirrors one row of the message table. Rows are immutable
// after insert except for linked, which flips false→true exactly once.
type messageRow struct {
	ID       int64
	ChatID   int64
	SenderID int64
	DateMS   int64
	EditMS   *int64
	Text     string

	ReplyToMsgID    *int64
	ReplyToChatID   *int64
	ReplyToSenderID *int64

	FwdFromMsgID    *int64
	FwdFromChatID   *int64
	FwdFromSenderID *int64
	FwdFromDateMS   *int64

	PhotoID    *int64
	DocumentID *int64
	Linked     bool
}

type photoRow struct {
	ID    int64
	Saved bool
}

type documentRow struct {
	ID       int64
	MIMEType string
	Size     int64
	Name     string
	Saved    bool
}

// upsertPage applies one sync page atomically. Attachment rows go in
// before message rows to satisfy the foreign keys. Insert-or-ignore on
// the primary keys makes re-syncing an already-seen range a no-op.
func (s *catalogStore) upsertPage(ctx context.Context, msgs []messageRow, photos []photoRow, docs []documentRow) error {
	if len(msgs) == 0 && len(photos) == 0 && len(docs) == 0 {
		return nil
	}
	tx, err := s.db.RawDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if len(photos) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO photo (id, saved) VALUES (?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare photo statement: %w", err)
		}
		for _, row := range photos {
			if _, err = stmt.ExecContext(ctx, row.ID, row.Saved); err != nil {
				stmt.Close()
				return fmt.Errorf("failed to insert photo %d: %w", row.ID, err)
			}
		}
		stmt.Close()
	}

	if len(docs) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO document (id, mime_type, size, name, saved) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare document statement: %w", err)
		}
		for _, row := range docs {
			if _, err = stmt.ExecContext(ctx, row.ID, row.MIMEType, row.Size, row.Name, row.Saved); err != nil {
				stmt.Close()
				return fmt.Errorf("failed to insert document %d: %w", row.ID, err)
			}
		}
		stmt.Close()
	}

	if len(msgs) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO message (
				id, chat_id, sender_id, date_ms, edit_date_ms, text,
				reply_to_msg_id, reply_to_chat_id, reply_to_sender_id,
				fwd_from_msg_id, fwd_from_chat_id, fwd_from_sender_id, fwd_from_date_ms,
				photo_id, document_id, linked
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare message statement: %w", err)
		}
		for _, row := range msgs {
			_, err = stmt.ExecContext(ctx,
				row.ID, row.ChatID, row.SenderID, row.DateMS, row.EditMS, row.Text,
				row.ReplyToMsgID, row.ReplyToChatID, row.ReplyToSenderID,
				row.FwdFromMsgID, row.FwdFromChatID, row.FwdFromSenderID, row.FwdFromDateMS,
				row.PhotoID, row.DocumentID, row.Linked,
			)
			if err != nil {
				stmt.Close()
				return fmt.Errorf("failed to insert message %d/%d: %w", row.ChatID, row.ID, err)
			}
		}
		stmt.Close()
	}

	return tx.Commit()
}

// maxMessageID returns the highest message id persisted for a chat, or
// 0 if the chat has no rows yet. This is the resume cursor.
func (s *catalogStore) maxMessageID(ctx context.Context, chatID int64) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRow(ctx,
		`SELECT MAX(id) FROM message WHERE chat_id=$1`, chatID,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// pendingAttachment is one unit of download work: the attachment id and
// the lowest message id referencing it (used to refetch the message).
type pendingAttachment struct {
	MessageID    int64
	AttachmentID int64
}

// pendingAttachments returns the next batch of unsaved attachments for
// a chat, deduplicated by attachment id (one referencing message each)
// and keyset-paginated by message id so successive calls walk forward
// without re-reading earlier rows.
func (s *catalogStore) pendingAttachments(ctx context.Context, chatID int64, kind MediaKind, afterMsgID int64, limit int) ([]pendingAttachment, error) {
	var query string
	switch kind {
	case MediaPhoto:
		query = `
			SELECT msg_id, media_id FROM (
				SELECT MIN(m.id) AS msg_id, m.photo_id AS media_id
				FROM message m
				JOIN photo p ON m.photo_id = p.id
				WHERE m.chat_id = $1 AND p.saved = FALSE
				GROUP BY m.photo_id
			) WHERE msg_id > $2 ORDER BY msg_id LIMIT $3
		`
	case MediaDocument:
		query = `
			SELECT msg_id, media_id FROM (
				SELECT MIN(m.id) AS msg_id, m.document_id AS media_id
				FROM message m
				JOIN document d ON m.document_id = d.id
				WHERE m.chat_id = $1 AND d.saved = FALSE
				GROUP BY m.document_id
			) WHERE msg_id > $2 ORDER BY msg_id LIMIT $3
		`
	default:
		return nil, fmt.Errorf("unknown media kind %q", kind)
	}
	rows, err := s.db.Query(ctx, query, chatID, afterMsgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pending []pendingAttachment
	for rows.Next() {
		var p pendingAttachment
		if err = rows.Scan(&p.MessageID, &p.AttachmentID); err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// markSaved flips the saved flag of one attachment row. Idempotent:
// setting it twice is harmless, so concurrent workers racing on the
// same attachment id cannot corrupt state.
func (s *catalogStore) markSaved(ctx context.Context, kind MediaKind, id int64) error {
	_, err := s.db.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET saved=TRUE WHERE id=$1`, kind), id,
	)
	return err
}

func (s *catalogStore) getDocument(ctx context.Context, id int64) (*documentRow, error) {
	row := &documentRow{ID: id}
	var mime, name sql.NullString
	var size sql.NullInt64
	err := s.db.QueryRow(ctx,
		`SELECT mime_type, size, name, saved FROM document WHERE id=$1`, id,
	).Scan(&mime, &size, &name, &row.Saved)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	row.MIMEType = mime.String
	row.Size = size.Int64
	row.Name = name.String
	return row, nil
}

// linkCandidate is one saved-but-unlinked message/attachment pair.
type linkCandidate struct {
	MessageID    int64
	ChatID       int64
	AttachmentID int64
	Name         string // documents only
	MIMEType     string // documents only
}

// unlinkedMessages returns all messages whose attachment of the given
// kind is saved but which have not been published into the chat view.
func (s *catalogStore) unlinkedMessages(ctx context.Context, kind MediaKind) ([]linkCandidate, error) {
	var query string
	switch kind {
	case MediaPhoto:
		query = `
			SELECT m.id, m.chat_id, p.id, '', ''
			FROM message m
			JOIN photo p ON m.photo_id = p.id
			WHERE m.linked = FALSE AND p.saved = TRUE
			ORDER BY m.chat_id, m.id
		`
	case MediaDocument:
		query = `
			SELECT m.id, m.chat_id, d.id, COALESCE(d.name, ''), COALESCE(d.mime_type, '')
			FROM message m
			JOIN document d ON m.document_id = d.id
			WHERE m.linked = FALSE AND d.saved = TRUE
			ORDER BY m.chat_id, m.id
		`
	default:
		return nil, fmt.Errorf("unknown media kind %q", kind)
	}
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var candidates []linkCandidate
	for rows.Next() {
		var c linkCandidate
		if err = rows.Scan(&c.MessageID, &c.ChatID, &c.AttachmentID, &c.Name, &c.MIMEType); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

func (s *catalogStore) markLinked(ctx context.Context, chatID, msgID int64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE message SET linked=TRUE WHERE chat_id=$1 AND id=$2`,
		chatID, msgID,
	)
	return err
}

// fileCodeRow tracks an indirect file code and, once processed, the
// message id range of the bot's reply.
type fileCodeRow struct {
	Code        string
	BotUsername string
	StartID     *int64
	EndID       *int64
}

// insertFileCodes stores newly discovered codes, ignoring duplicates.
func (s *catalogStore) insertFileCodes(ctx context.Context, rows []fileCodeRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.RawDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO file_code (code, bot_username) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare file_code statement: %w", err)
	}
	defer stmt.Close()
	for _, row := range rows {
		if _, err = stmt.ExecContext(ctx, row.Code, row.BotUsername); err != nil {
			return fmt.Errorf("failed to insert file code %q: %w", row.Code, err)
		}
	}
	return tx.Commit()
}

// pendingFileCodes returns codes for a bot that have not been processed
// yet (no recorded reply range).
func (s *catalogStore) pendingFileCodes(ctx context.Context, botUsername string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT code FROM file_code WHERE bot_username=$1 AND start_id IS NULL ORDER BY code`,
		botUsername,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var code string
		if err = rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

func (s *catalogStore) setFileCodeRange(ctx context.Context, code string, startID, endID int64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE file_code SET start_id=$1, end_id=$2 WHERE code=$3`,
		startID, endID, code,
	)
	return err
}
