package mirror

import (
	"context"
	"fmt"
	"time"

	"go.mau.fi/util/ptr"
)

type syncCounters struct {
	Messages  int
	Photos    int
	Documents int
	Skipped   int
}

func (c *syncCounters) add(other syncCounters) {
	c.Messages += other.Messages
	c.Photos += other.Photos
	c.Documents += other.Documents
	c.Skipped += other.Skipped
}

// SyncChat pulls message history for one chat into the catalog and
// returns the last processed message id. minID and maxID are inclusive
// bounds; maxID 0 means unbounded forward. With resume, pagination
// starts strictly after the highest message id already in the catalog,
// even if minID points lower.
//
// Each page is applied in a single transaction, so the cursor never
// points past a partially written page: on any failure the page's
// writes roll back and the same page can be retried by a later run.
func (m *Mirror) SyncChat(ctx context.Context, chatID, minID, maxID int64, resume bool) (int64, error) {
	log := m.log.With().
		Str("component", "sync").
		Int64("chat_id", chatID).
		Logger()
	log.Info().Int64("min_id", minID).Int64("max_id", maxID).Bool("resume", resume).
		Msg("Synchronizing chat")

	cursor := minID - 1
	if cursor < 0 {
		cursor = 0
	}
	if resume {
		lastKnown, err := m.store.maxMessageID(ctx, chatID)
		if err != nil {
			return 0, fmt.Errorf("failed to query resume cursor: %w", err)
		}
		if lastKnown > cursor {
			cursor = lastKnown
			log.Info().Int64("cursor", cursor).Msg("Resuming after highest known message")
		}
	}

	start := time.Now()
	var total syncCounters
	pages := 0
	for maxID == 0 || cursor < maxID {
		lastSeen, counts, err := m.syncPage(ctx, chatID, cursor, maxID)
		if err != nil {
			return cursor, fmt.Errorf("failed to sync page after %d: %w", cursor, err)
		}
		if lastSeen == 0 {
			break
		}
		cursor = lastSeen
		total.add(counts)
		pages++
	}

	log.Info().
		Int("pages", pages).
		Int("messages", total.Messages).
		Int("photos", total.Photos).
		Int("documents", total.Documents).
		Int("skipped", total.Skipped).
		Int64("cursor", cursor).
		Dur("elapsed", time.Since(start)).
		Msg("Chat sync finished")
	return cursor, nil
}

// syncPage fetches and persists one page of messages with id strictly
// after cursor. It returns the last id seen on the page (0 when the
// source yielded nothing, signaling the chat is fully synced up to the
// bound). Service events produce no rows but still advance the cursor.
func (m *Mirror) syncPage(ctx context.Context, chatID, cursor, maxID int64) (int64, syncCounters, error) {
	var counts syncCounters
	var msgs []messageRow
	var photos []photoRow
	var docs []documentRow

	lastSeen := int64(0)
	iter := m.source.IterMessages(ctx, chatID, cursor, maxID, m.cfg.Sync.PageSize)
	for {
		msg, err := iter.Next(ctx)
		if err != nil {
			return 0, counts, fmt.Errorf("message iteration failed: %w", err)
		}
		if msg == nil {
			break
		}
		lastSeen = msg.ID
		if msg.Service {
			counts.Skipped++
			continue
		}
		row, photo, doc := normalizeMessage(msg)
		msgs = append(msgs, row)
		counts.Messages++
		if photo != nil {
			photos = append(photos, *photo)
			counts.Photos++
		}
		if doc != nil {
			docs = append(docs, *doc)
			counts.Documents++
		}
	}
	if lastSeen == 0 {
		return 0, counts, nil
	}

	if err := m.store.upsertPage(ctx, msgs, photos, docs); err != nil {
		return 0, counts, err
	}
	return lastSeen, counts, nil
}

// normalizeMessage flattens a source message into catalog rows. Photo
// and document rows always start unsaved; insert-or-ignore means an
// already-saved attachment row is never reset by a re-sync.
func normalizeMessage(msg *Message) (messageRow, *photoRow, *documentRow) {
	row := messageRow{
		ID:       msg.ID,
		ChatID:   msg.ChatID,
		SenderID: msg.SenderID,
		DateMS:   msg.Date.UnixMilli(),
		Text:     msg.Text,
	}
	if !msg.EditDate.IsZero() {
		row.EditMS = ptr.Ptr(msg.EditDate.UnixMilli())
	}
	if msg.ReplyTo != nil {
		row.ReplyToMsgID = ptr.Ptr(msg.ReplyTo.MessageID)
		row.ReplyToChatID = ptr.Ptr(msg.ReplyTo.ChatID)
		row.ReplyToSenderID = ptr.Ptr(msg.ReplyTo.SenderID)
	}
	if msg.Forward != nil {
		row.FwdFromMsgID = ptr.Ptr(msg.Forward.MessageID)
		row.FwdFromChatID = ptr.Ptr(msg.Forward.ChatID)
		row.FwdFromSenderID = ptr.Ptr(msg.Forward.SenderID)
		if !msg.Forward.Date.IsZero() {
			row.FwdFromDateMS = ptr.Ptr(msg.Forward.Date.UnixMilli())
		}
	}

	var photo *photoRow
	if msg.Photo != nil {
		row.PhotoID = ptr.Ptr(msg.Photo.ID)
		photo = &photoRow{ID: msg.Photo.ID}
	}
	var doc *documentRow
	if msg.Document != nil {
		row.DocumentID = ptr.Ptr(msg.Document.ID)
		doc = &documentRow{
			ID:       msg.Document.ID,
			MIMEType: msg.Document.MIMEType,
			Size:     msg.Document.Size,
			Name:     msg.Document.Name,
		}
	}
	return row, photo, doc
}
