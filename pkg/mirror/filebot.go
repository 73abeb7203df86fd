package mirror

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// FileBot resolves indirect file codes through a conversation with a
// remote bot. One implementation exists per known bot; dispatch happens
// through an explicit registry keyed by bot username rather than any
// inheritance chain.
type FileBot interface {
	// Username is the bot's peer identity and registry key.
	Username() string
	// SearchCodes extracts this bot's codes from free-form text.
	SearchCodes(text string) []string
	// ProcessCode sends the code to the bot, drives the reply
	// pagination, and returns the message id range of the replies.
	ProcessCode(ctx context.Context, conv *BotConversation, code string) (startID, endID int64, err error)
}

// BotConversation is the capability set a FileBot gets for one code:
// transport primitives plus range syncing into the catalog.
type BotConversation struct {
	mirror *Mirror
	bot    string

	chatID int64
	lastID int64

	// RefreshInterval and MaxRefreshes bound the poll for a new bot
	// reply after each action.
	RefreshInterval time.Duration
	MaxRefreshes    int
}

// Send delivers text to the bot and records the sent message as the
// latest seen, so WaitForReply only reports genuinely new messages.
func (conv *BotConversation) Send(ctx context.Context, text string) (*Message, error) {
	sent, err := conv.mirror.source.SendText(ctx, conv.bot, text)
	if err != nil {
		return nil, fmt.Errorf("failed to message bot %s: %w", conv.bot, err)
	}
	conv.chatID = sent.ChatID
	conv.lastID = sent.ID
	return sent, nil
}

// WaitForReply polls for a message newer than the last one seen. It
// returns nil (no error) when the bot stays silent through all
// refreshes — silence is a normal outcome, not a transport failure.
func (conv *BotConversation) WaitForReply(ctx context.Context) (*Message, error) {
	for attempt := 0; attempt < conv.MaxRefreshes; attempt++ {
		select {
		case <-time.After(conv.RefreshInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		reply, err := conv.mirror.source.LatestMessage(ctx, conv.bot)
		if err != nil {
			return nil, fmt.Errorf("failed to poll bot %s: %w", conv.bot, err)
		}
		if reply != nil && reply.ID != conv.lastID {
			conv.lastID = reply.ID
			return reply, nil
		}
	}
	conv.mirror.log.Warn().
		Str("bot", conv.bot).
		Int("attempts", conv.MaxRefreshes).
		Msg("No new message received from bot")
	return nil, nil
}

// ClickButton presses an inline button on a bot reply.
func (conv *BotConversation) ClickButton(ctx context.Context, msg *Message, label string) error {
	return conv.mirror.source.ClickButton(ctx, msg, label)
}

// SyncReplies syncs the bot conversation from startID onward into the
// catalog and returns the last synced id. resume is off: the range is
// anchored at the code's own request message, not the chat cursor.
func (conv *BotConversation) SyncReplies(ctx context.Context, startID int64) (int64, error) {
	return conv.mirror.SyncChat(ctx, conv.chatID, startID, 0, false)
}

// RegisterFileBot adds a bot to the mirror's registry.
func (m *Mirror) RegisterFileBot(bot FileBot) {
	m.bots = append(m.bots, bot)
}

// ScanFileCodes runs every registered bot's code extraction over text
// and stores newly found codes, ignoring ones already known.
func (m *Mirror) ScanFileCodes(ctx context.Context, text string) error {
	var rows []fileCodeRow
	for _, bot := range m.bots {
		codes := bot.SearchCodes(text)
		if len(codes) == 0 {
			m.log.Warn().Str("bot", bot.Username()).Msg("No file codes found in input for bot")
			continue
		}
		for _, code := range codes {
			rows = append(rows, fileCodeRow{Code: code, BotUsername: bot.Username()})
		}
	}
	return m.store.insertFileCodes(ctx, rows)
}

// RetrieveFiles processes every pending code of every registered bot.
// A code stays pending (range unset) until its bot conversation
// completes, so interrupted runs pick up where they left off.
func (m *Mirror) RetrieveFiles(ctx context.Context) error {
	for _, bot := range m.bots {
		log := m.log.With().Str("component", "filebot").Str("bot", bot.Username()).Logger()
		codes, err := m.store.pendingFileCodes(ctx, bot.Username())
		if err != nil {
			return fmt.Errorf("failed to query pending codes: %w", err)
		}
		for _, code := range codes {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Info().Str("code", code).Msg("Processing file code")
			conv := &BotConversation{
				mirror:          m,
				bot:             bot.Username(),
				RefreshInterval: m.BotPollInterval,
				MaxRefreshes:    m.BotMaxPolls,
			}
			startID, endID, err := bot.ProcessCode(ctx, conv, code)
			if err != nil {
				log.Error().Err(err).Str("code", code).Msg("File code processing failed, leaving pending")
				continue
			}
			if startID == 0 {
				log.Warn().Str("code", code).Msg("Bot produced no reply range, leaving code pending")
				continue
			}
			if err = m.store.setFileCodeRange(ctx, code, startID, endID); err != nil {
				return fmt.Errorf("failed to record code range: %w", err)
			}
		}
	}
	return nil
}

// ShowFilesBot handles @ShowFilesBot: send a code, page through the
// numbered inline buttons of each reply, then sync the reply range.
type ShowFilesBot struct{}

func (ShowFilesBot) Username() string { return "ShowFilesBot" }

var showFilesBotPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:vi|pk|p|d)_[a-zA-Z0-9-_]+`),
	regexp.MustCompile(`\bshowfilesbot_[a-zA-Z0-9-_]+`),
}

var numberedButton = regexp.MustCompile(`^\d+`)

func (ShowFilesBot) SearchCodes(text string) []string {
	var codes []string
	for _, pattern := range showFilesBotPatterns {
		codes = append(codes, pattern.FindAllString(text, -1)...)
	}
	return codes
}

func (b ShowFilesBot) ProcessCode(ctx context.Context, conv *BotConversation, code string) (int64, int64, error) {
	sent, err := conv.Send(ctx, code)
	if err != nil {
		return 0, 0, err
	}
	startID := sent.ID

	for {
		reply, err := conv.WaitForReply(ctx)
		if err != nil {
			return 0, 0, err
		}
		if reply == nil {
			return 0, 0, nil
		}
		if !b.clickNextPage(ctx, conv, reply) {
			break
		}
	}

	endID, err := conv.SyncReplies(ctx, startID)
	if err != nil {
		return 0, 0, err
	}
	return startID, endID, nil
}

// clickNextPage presses the first numbered pagination button on the
// reply, if any. No numbered button means the listing is complete.
func (b ShowFilesBot) clickNextPage(ctx context.Context, conv *BotConversation, reply *Message) bool {
	for _, label := range reply.Buttons {
		if !numberedButton.MatchString(label) {
			continue
		}
		select {
		case <-time.After(conv.RefreshInterval):
		case <-ctx.Done():
			return false
		}
		if err := conv.ClickButton(ctx, reply, label); err != nil {
			conv.mirror.log.Warn().Err(err).Str("button", label).Msg("Failed to click pagination button")
			return false
		}
		return true
	}
	return false
}
