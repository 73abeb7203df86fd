package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShowFilesBotSearchCodes(t *testing.T) {
	text := "grab pk_abc-123 and vi_XYZ then showfilesbot_q1, ignore nope_x"
	codes := ShowFilesBot{}.SearchCodes(text)
	assert.ElementsMatch(t, []string{"pk_abc-123", "vi_XYZ", "showfilesbot_q1"}, codes)

	assert.Empty(t, ShowFilesBot{}.SearchCodes("nothing relevant here"))
}

func TestScanFileCodes(t *testing.T) {
	src := newFakeSource()
	m := newTestMirror(t, src)
	m.RegisterFileBot(ShowFilesBot{})
	ctx := context.Background()

	require.NoError(t, m.ScanFileCodes(ctx, "codes: pk_one pk_two pk_one"))
	codes, err := m.store.pendingFileCodes(ctx, "ShowFilesBot")
	require.NoError(t, err)
	assert.Equal(t, []string{"pk_one", "pk_two"}, codes)
}

func TestRetrieveFiles(t *testing.T) {
	src := newFakeSource()
	// The sent code lands as message 10 in the bot chat; the bot's
	// single reply (no pagination buttons) is message 11.
	src.addMessage(textMessage(999, 10, "pk_one"))
	src.addMessage(textMessage(999, 11, "here is your file"))
	src.replies = []*Message{{ID: 11, ChatID: 999, Date: time.Now(), Text: "here is your file"}}
	m := newTestMirror(t, src)
	m.RegisterFileBot(ShowFilesBot{})
	ctx := context.Background()

	require.NoError(t, m.ScanFileCodes(ctx, "pk_one"))
	require.NoError(t, m.RetrieveFiles(ctx))

	codes, err := m.store.pendingFileCodes(ctx, "ShowFilesBot")
	require.NoError(t, err)
	assert.Empty(t, codes, "processed code should no longer be pending")

	// The reply range was synced into the catalog.
	assert.Equal(t, 2, countRows(t, m, `SELECT COUNT(*) FROM message WHERE chat_id=999`))
	assert.Equal(t, 1, countRows(t, m,
		`SELECT COUNT(*) FROM file_code WHERE code='pk_one' AND start_id=10 AND end_id=11`))
	assert.Equal(t, []string{"pk_one"}, src.sentTexts)
}

func TestRetrieveFilesPagination(t *testing.T) {
	src := newFakeSource()
	src.addMessage(textMessage(999, 10, "pk_one"))
	src.addMessage(textMessage(999, 11, "page 1"))
	src.addMessage(textMessage(999, 12, "page 2"))
	src.replies = []*Message{
		{ID: 11, ChatID: 999, Date: time.Now(), Text: "page 1", Buttons: []string{"2 ▶"}},
		{ID: 12, ChatID: 999, Date: time.Now(), Text: "page 2"},
	}
	m := newTestMirror(t, src)
	m.RegisterFileBot(ShowFilesBot{})
	ctx := context.Background()

	require.NoError(t, m.ScanFileCodes(ctx, "pk_one"))
	require.NoError(t, m.RetrieveFiles(ctx))

	assert.Equal(t, []string{"2 ▶"}, src.clicked)
	assert.Equal(t, 1, countRows(t, m,
		`SELECT COUNT(*) FROM file_code WHERE code='pk_one' AND start_id=10 AND end_id=12`))
}

func TestRetrieveFilesSilentBotLeavesCodePending(t *testing.T) {
	src := newFakeSource()
	m := newTestMirror(t, src)
	m.RegisterFileBot(ShowFilesBot{})
	ctx := context.Background()

	require.NoError(t, m.ScanFileCodes(ctx, "pk_one"))
	require.NoError(t, m.RetrieveFiles(ctx))

	// No reply ever arrived; the code must stay pending for a retry.
	codes, err := m.store.pendingFileCodes(ctx, "ShowFilesBot")
	require.NoError(t, err)
	assert.Equal(t, []string{"pk_one"}, codes)
}

func TestWaitForReplyIgnoresOwnMessage(t *testing.T) {
	src := newFakeSource()
	// The bot chat's latest message is still our own sent one.
	src.replies = []*Message{{ID: 10, ChatID: 999, Date: time.Now(), Text: "pk_one"}}
	m := newTestMirror(t, src)

	conv := &BotConversation{
		mirror:          m,
		bot:             "ShowFilesBot",
		RefreshInterval: time.Millisecond,
		MaxRefreshes:    2,
	}
	_, err := conv.Send(context.Background(), "pk_one")
	require.NoError(t, err)
	reply, err := conv.WaitForReply(context.Background())
	require.NoError(t, err)
	assert.Nil(t, reply)
}
