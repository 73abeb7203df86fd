// Package mirror incrementally replicates a remote conversation's
// message history and media into a local SQLite catalog and a
// content-addressed file store, then publishes the media into per-chat
// directories via hardlinks.
//
// The pipeline for one chat is sync → save photos → save documents →
// link. Every stage is idempotent and crash-safe: sync upserts with
// insert-or-ignore keyed by remote ids, downloads go through a staging
// directory and an atomic rename, and linking tolerates re-runs.
package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Mirror ties the catalog, the remote source and the configuration
// together. One Mirror serves any number of chats; only the catalog
// database is shared mutable state.
type Mirror struct {
	cfg    *Config
	store  *catalogStore
	source Source
	log    zerolog.Logger

	bots []FileBot

	// BotPollInterval and BotMaxPolls bound the wait for bot replies
	// during file code retrieval.
	BotPollInterval time.Duration
	BotMaxPolls     int
}

// New opens the catalog database and wires up a Mirror. The source is
// constructed by the caller (see OpenSource) so tests can inject fakes.
func New(cfg *Config, source Source, log zerolog.Logger) (*Mirror, error) {
	store, err := openCatalogStore(cfg.DB.Path, log)
	if err != nil {
		return nil, err
	}
	return &Mirror{
		cfg:    cfg,
		store:  store,
		source: source,
		log:    log,

		BotPollInterval: 5 * time.Second,
		BotMaxPolls:     5,
	}, nil
}

func (m *Mirror) Close() error {
	return m.store.Close()
}

// RunOnce performs one full pass over all configured chats. A failure
// in one chat's pipeline is logged and the pass continues with the next
// chat: nothing inside a single chat's pipeline is fatal to the run.
func (m *Mirror) RunOnce(ctx context.Context) error {
	for _, chatID := range m.cfg.Chats {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log := m.log.With().Int64("chat_id", chatID).Logger()
		if _, err := m.SyncChat(ctx, chatID, 0, 0, true); err != nil {
			log.Error().Err(err).Msg("Chat sync failed, skipping to next chat")
			continue
		}
		if err := m.SaveAll(ctx, chatID, MediaPhoto); err != nil {
			log.Error().Err(err).Msg("Photo download pass failed, skipping to next chat")
			continue
		}
		if err := m.SaveAll(ctx, chatID, MediaDocument); err != nil {
			log.Error().Err(err).Msg("Document download pass failed, skipping to next chat")
			continue
		}
	}
	if err := m.LinkPending(ctx); err != nil {
		return fmt.Errorf("link pass failed: %w", err)
	}
	return nil
}
