package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
)

// SaveAll downloads every unsaved attachment of the given kind for one
// chat. A fixed pool of workers drains a bounded task queue; discovery
// pushes one deduplicated batch at a time and waits for the queue to
// drain before querying the next, so the amount of in-flight work is
// bounded by queue capacity plus pool size.
//
// A failure inside one task never stops the pool: the worker logs it,
// discards the partial staging file, leaves saved=FALSE for a future
// run, and moves on. Only failures outside the workers (discovery
// query, batch refetch) abort the whole pass.
func (m *Mirror) SaveAll(ctx context.Context, chatID int64, kind MediaKind) error {
	log := m.log.With().
		Str("component", "save").
		Str("kind", string(kind)).
		Int64("chat_id", chatID).
		Logger()

	for _, dir := range []string{m.cfg.StagingDir(kind), m.cfg.StoreDir(kind)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	// Photos are small and plentiful, documents large and few, so the
	// discovery batch sizes differ.
	batchSize := m.cfg.Sync.PageSize
	if kind == MediaDocument {
		batchSize = m.cfg.Download.Concurrent
	}
	queueCap := batchSize / 2
	if queueCap < 1 {
		queueCap = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tasks := make(chan *Message, queueCap)
	progress := newProgressSummary(m.cfg.Download.Concurrent, m.cfg.Download.SummaryInterval, log)

	// Workers start before any work is produced so the queue drains as
	// soon as items arrive.
	var inFlight sync.WaitGroup
	var workers sync.WaitGroup
	for seq := 0; seq < m.cfg.Download.Concurrent; seq++ {
		workers.Add(1)
		go func(seq int) {
			defer workers.Done()
			m.saveWorker(ctx, seq, kind, tasks, &inFlight, progress, log)
		}(seq)
	}

	err := m.produceTasks(ctx, chatID, kind, batchSize, tasks, &inFlight, log)
	close(tasks)
	if err != nil {
		// Cancel in-flight tasks; their staging files are orphaned and
		// swept up by the next run's staging purge.
		cancel()
	}
	workers.Wait()
	return err
}

func (m *Mirror) produceTasks(ctx context.Context, chatID int64, kind MediaKind, batchSize int, tasks chan<- *Message, inFlight *sync.WaitGroup, log zerolog.Logger) error {
	after := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := m.store.pendingAttachments(ctx, chatID, kind, after, batchSize)
		if err != nil {
			return fmt.Errorf("pending attachment query failed: %w", err)
		}
		if len(batch) == 0 {
			log.Info().Msg("All attachments saved for chat")
			return nil
		}

		ids := make([]int64, len(batch))
		for i, p := range batch {
			ids[i] = p.MessageID
		}
		msgs, err := m.source.GetMessagesByIDs(ctx, chatID, ids)
		if err != nil {
			return fmt.Errorf("batch message fetch failed: %w", err)
		}

		for _, msg := range msgs {
			if msg == nil {
				continue
			}
			inFlight.Add(1)
			select {
			case tasks <- msg:
			case <-ctx.Done():
				inFlight.Done()
				return ctx.Err()
			}
		}
		after = batch[len(batch)-1].MessageID

		// Drain before the next discovery query so unsaved rows picked
		// up again can't pile up unboundedly behind a slow pool.
		inFlight.Wait()
	}
}

func (m *Mirror) saveWorker(ctx context.Context, seq int, kind MediaKind, tasks <-chan *Message, inFlight *sync.WaitGroup, progress *progressSummary, log zerolog.Logger) {
	log = log.With().Int("worker", seq).Logger()
	log.Debug().Msg("Download worker started")
	for {
		select {
		case <-ctx.Done():
			// Tasks still queued count against the producer's WaitGroup,
			// so consume them without doing the work. Otherwise a
			// cancellation arriving while the producer waits for the
			// queue to drain would block it forever.
			for range tasks {
				inFlight.Done()
			}
			return
		case msg, ok := <-tasks:
			if !ok {
				return
			}
			if err := m.saveTask(ctx, seq, kind, msg, progress, log); err != nil {
				log.Error().Err(err).
					Int64("chat_id", msg.ChatID).
					Int64("message_id", msg.ID).
					Msg("Download task failed, leaving attachment unsaved")
			}
			inFlight.Done()
		}
	}
}

// saveTask downloads one attachment into staging, atomically renames it
// into the content-addressed store and flips the saved flag, in that
// order: the flag only transitions after the bytes are durably at their
// final path, and no half-written file is ever visible there.
func (m *Mirror) saveTask(ctx context.Context, seq int, kind MediaKind, msg *Message, progress *progressSummary, log zerolog.Logger) error {
	desc := progress.startTask(seq, msg)
	defer progress.finishTask(seq)

	var mediaID int64
	var ext string
	switch {
	case kind == MediaPhoto && msg.Photo != nil:
		mediaID = msg.Photo.ID
		ext = ".jpg"
	case kind == MediaDocument && msg.Document != nil:
		mediaID = msg.Document.ID
		name, mime := msg.Document.Name, msg.Document.MIMEType
		// The linker derives the store filename from the catalog row,
		// so the download must use the same metadata even if the remote
		// copy was renamed or retyped since the sync.
		if doc, err := m.store.getDocument(ctx, mediaID); err != nil {
			return fmt.Errorf("failed to load catalog document %d: %w", mediaID, err)
		} else if doc != nil {
			name, mime = doc.Name, doc.MIMEType
		}
		ext = extensionForMIME(mime)
		if suffix := matchSkipSuffix(name, m.cfg.Download.SkipNameSuffixes); suffix != "" {
			log.Info().Int64("attachment_id", mediaID).Str("suffix", suffix).
				Msg("Skipping document by name suffix, marking saved")
			return m.store.markSaved(ctx, kind, mediaID)
		}
	default:
		return fmt.Errorf("%w: %s task for message %d/%d", ErrNoAttachment, kind, msg.ChatID, msg.ID)
	}

	filename := fmt.Sprintf("%d%s", mediaID, ext)
	staging := filepath.Join(m.cfg.StagingDir(kind), filename)
	final := filepath.Join(m.cfg.StoreDir(kind), filename)

	log.Info().Str("task", desc).Msg("Starting download")
	start := time.Now()
	received, err := m.downloadToFile(ctx, seq, msg, staging, progress)
	if err != nil {
		if rmErr := os.Remove(staging); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn().Err(rmErr).Str("path", staging).Msg("Failed to discard partial staging file")
		}
		return err
	}

	// Same filesystem, so the rename is atomic: the final path either
	// has the complete file or nothing.
	if err = os.Rename(staging, final); err != nil {
		os.Remove(staging)
		return fmt.Errorf("failed to move staging file into store: %w", err)
	}
	if err = m.store.markSaved(ctx, kind, mediaID); err != nil {
		return fmt.Errorf("failed to mark attachment %d saved: %w", mediaID, err)
	}

	log.Info().
		Str("task", desc).
		Int64("bytes", received).
		Dur("elapsed", time.Since(start)).
		Msg("Download finished")
	return nil
}

// downloadToFile streams attachment chunks into path, reporting
// cumulative progress after every chunk. Each chunk wait is bounded by
// the configured chunk timeout; the transfer as a whole is not.
func (m *Mirror) downloadToFile(ctx context.Context, seq int, msg *Message, path string, progress *progressSummary) (int64, error) {
	stream, err := m.source.DownloadChunks(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("failed to open chunk stream: %w", err)
	}
	defer stream.Close()

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to create staging file: %w", err)
	}
	defer file.Close()

	var received int64
	for {
		chunk, err := m.nextChunk(ctx, stream)
		if err != nil {
			return received, err
		}
		if chunk == nil {
			break
		}
		if _, err = file.Write(chunk); err != nil {
			return received, fmt.Errorf("failed to write chunk: %w", err)
		}
		received += int64(len(chunk))
		progress.report(seq, received)
	}
	if err = file.Sync(); err != nil {
		return received, fmt.Errorf("failed to sync staging file: %w", err)
	}
	return received, nil
}

func (m *Mirror) nextChunk(ctx context.Context, stream ChunkStream) ([]byte, error) {
	chunkCtx, cancel := context.WithTimeout(ctx, m.cfg.Download.ChunkTimeout)
	defer cancel()
	chunk, err := stream.Next(chunkCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrChunkTimeout, m.cfg.Download.ChunkTimeout)
		}
		return nil, fmt.Errorf("chunk read failed: %w", err)
	}
	return chunk, nil
}

// extensionForMIME maps a declared MIME type to a file extension, with
// a generic binary fallback for unknown or absent types.
func extensionForMIME(mime string) string {
	if mime != "" {
		if m := mimetype.Lookup(mime); m != nil && m.Extension() != "" {
			return m.Extension()
		}
	}
	return ".bin"
}

func matchSkipSuffix(name string, suffixes []string) string {
	if name == "" {
		return ""
	}
	for _, suffix := range suffixes {
		if suffix != "" && strings.HasSuffix(name, suffix) {
			return suffix
		}
	}
	return ""
}

// PurgeStaging removes leftover staging files from interrupted runs.
// Called on startup; the staging area is transient by contract.
func (m *Mirror) PurgeStaging() error {
	for _, kind := range []MediaKind{MediaPhoto, MediaDocument} {
		dir := m.cfg.StagingDir(kind)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to read staging dir: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if err = os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				m.log.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to purge staging file")
			}
		}
	}
	return nil
}
