package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// WriteChatList fetches the remote conversation list and writes it as
// a name → id JSON map next to the config file, so the user can pick
// chat ids for the chats config section. Returns the file path.
func (m *Mirror) WriteChatList(ctx context.Context) (string, error) {
	dialogs, err := m.source.ListDialogs(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list dialogs: %w", err)
	}
	chats := make(map[string]string, len(dialogs))
	for _, d := range dialogs {
		chats[d.Name] = fmt.Sprint(d.ID)
	}
	data, err := json.MarshalIndent(chats, "", "  ")
	if err != nil {
		return "", err
	}
	path := m.cfg.ChatListPath()
	if err = os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write chat list: %w", err)
	}
	m.log.Info().Int("chats", len(chats)).Str("path", path).Msg("Chat list saved")
	return path, nil
}
