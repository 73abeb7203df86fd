package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncChatBasic(t *testing.T) {
	src := newFakeSource()
	src.addMessage(textMessage(42, 1, "one"))
	src.addMessage(textMessage(42, 2, "two"))
	src.addMessage(photoMessage(42, 3, 500))
	src.addMessage(documentMessage(42, 4, 600, "notes.pdf", "application/pdf", 1024))
	m := newTestMirror(t, src)

	cursor, err := m.SyncChat(context.Background(), 42, 0, 0, false)
	require.NoError(t, err)
	assert.EqualValues(t, 4, cursor)

	assert.Equal(t, 4, countRows(t, m, `SELECT COUNT(*) FROM message WHERE chat_id=42`))
	assert.Equal(t, 1, countRows(t, m, `SELECT COUNT(*) FROM photo`))
	assert.Equal(t, 1, countRows(t, m, `SELECT COUNT(*) FROM document`))
}

func TestSyncChatIdempotent(t *testing.T) {
	src := newFakeSource()
	src.addMessage(textMessage(42, 1, "one"))
	src.addMessage(photoMessage(42, 2, 500))
	m := newTestMirror(t, src)
	ctx := context.Background()

	_, err := m.SyncChat(ctx, 42, 0, 0, false)
	require.NoError(t, err)
	_, err = m.SyncChat(ctx, 42, 0, 0, false)
	require.NoError(t, err)

	assert.Equal(t, 2, countRows(t, m, `SELECT COUNT(*) FROM message`))
	assert.Equal(t, 1, countRows(t, m, `SELECT COUNT(*) FROM photo`))
}

func TestSyncChatResume(t *testing.T) {
	src := newFakeSource()
	src.addMessage(textMessage(42, 1, "one"))
	src.addMessage(textMessage(42, 2, "two"))
	m := newTestMirror(t, src)
	ctx := context.Background()

	_, err := m.SyncChat(ctx, 42, 0, 0, true)
	require.NoError(t, err)

	// New remote messages arrive; a resumed sync picks up only those.
	src.addMessage(textMessage(42, 3, "three"))
	src.addMessage(textMessage(42, 4, "four"))
	cursor, err := m.SyncChat(ctx, 42, 0, 0, true)
	require.NoError(t, err)
	assert.EqualValues(t, 4, cursor)
	assert.Equal(t, 4, countRows(t, m, `SELECT COUNT(*) FROM message`))
}

func TestSyncChatBounds(t *testing.T) {
	src := newFakeSource()
	for id := int64(1); id <= 10; id++ {
		src.addMessage(textMessage(42, id, "msg"))
	}
	m := newTestMirror(t, src)

	cursor, err := m.SyncChat(context.Background(), 42, 3, 7, false)
	require.NoError(t, err)
	assert.EqualValues(t, 7, cursor)
	assert.Equal(t, 5, countRows(t, m, `SELECT COUNT(*) FROM message`))
	assert.Equal(t, 0, countRows(t, m, `SELECT COUNT(*) FROM message WHERE id < 3 OR id > 7`))
}

func TestSyncChatServiceEventsAdvanceCursor(t *testing.T) {
	src := newFakeSource()
	src.addMessage(textMessage(42, 1, "one"))
	service := textMessage(42, 2, "")
	service.Service = true
	src.addMessage(service)
	src.addMessage(textMessage(42, 3, "three"))
	m := newTestMirror(t, src)

	cursor, err := m.SyncChat(context.Background(), 42, 0, 0, false)
	require.NoError(t, err)
	assert.EqualValues(t, 3, cursor)
	// The service event produced no row but did not stop iteration.
	assert.Equal(t, 2, countRows(t, m, `SELECT COUNT(*) FROM message`))
}

func TestSyncChatPagination(t *testing.T) {
	src := newFakeSource()
	for id := int64(1); id <= 25; id++ {
		src.addMessage(textMessage(42, id, "msg"))
	}
	m := newTestMirror(t, src)
	m.cfg.Sync.PageSize = 10

	cursor, err := m.SyncChat(context.Background(), 42, 0, 0, false)
	require.NoError(t, err)
	assert.EqualValues(t, 25, cursor)
	assert.Equal(t, 25, countRows(t, m, `SELECT COUNT(*) FROM message`))
}

func TestNormalizeMessage(t *testing.T) {
	msg := textMessage(42, 7, "reply text")
	msg.EditDate = msg.Date.Add(time.Minute)
	msg.ReplyTo = &ReplyRef{MessageID: 5, ChatID: 42, SenderID: 9}
	msg.Forward = &ForwardRef{MessageID: 3, ChatID: 41, SenderID: 8, Date: msg.Date.Add(-time.Hour)}
	msg.Photo = &Photo{ID: 500}

	row, photo, doc := normalizeMessage(msg)
	assert.EqualValues(t, 7, row.ID)
	assert.Equal(t, msg.Date.UnixMilli(), row.DateMS)
	require.NotNil(t, row.EditMS)
	assert.Equal(t, msg.EditDate.UnixMilli(), *row.EditMS)
	require.NotNil(t, row.ReplyToMsgID)
	assert.EqualValues(t, 5, *row.ReplyToMsgID)
	require.NotNil(t, row.FwdFromDateMS)
	require.NotNil(t, row.PhotoID)
	assert.EqualValues(t, 500, *row.PhotoID)
	require.NotNil(t, photo)
	assert.EqualValues(t, 500, photo.ID)
	assert.Nil(t, doc)
	assert.Nil(t, row.DocumentID)
}
