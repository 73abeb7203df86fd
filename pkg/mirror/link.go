package mirror

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

// LinkPending publishes every saved-but-unlinked attachment into its
// chat's links directory via hardlinks. One content-addressed file may
// legitimately gain one link per referencing message — that is the
// dedup mechanism: one physical payload, many directory entries.
//
// Linking is idempotent: an existing destination is skipped with a
// warning, and a message whose source file has gone missing is still
// marked linked so it never retries forever. Both are accepted,
// logged outcomes rather than errors. A filesystem failure on one link
// is contained to that message: it is logged, left unlinked for the
// next pass, and the rest of the candidates still get linked. Only
// catalog errors abort the pass.
func (m *Mirror) LinkPending(ctx context.Context) error {
	log := m.log.With().Str("component", "link").Logger()
	for _, kind := range []MediaKind{MediaPhoto, MediaDocument} {
		candidates, err := m.store.unlinkedMessages(ctx, kind)
		if err != nil {
			return fmt.Errorf("failed to query unlinked %ss: %w", kind, err)
		}
		linked := 0
		for _, c := range candidates {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err = m.linkOne(kind, c, log); err != nil {
				log.Error().Err(err).
					Int64("chat_id", c.ChatID).
					Int64("message_id", c.MessageID).
					Int64("attachment_id", c.AttachmentID).
					Msg("Failed to link attachment, leaving unlinked")
				continue
			}
			if err = m.store.markLinked(ctx, c.ChatID, c.MessageID); err != nil {
				return fmt.Errorf("failed to mark message linked: %w", err)
			}
			linked++
		}
		if linked > 0 {
			log.Info().Str("kind", string(kind)).Int("count", linked).Msg("Linked pending attachments")
		}
	}
	return nil
}

func (m *Mirror) linkOne(kind MediaKind, c linkCandidate, log zerolog.Logger) error {
	log = log.With().
		Int64("chat_id", c.ChatID).
		Int64("message_id", c.MessageID).
		Int64("attachment_id", c.AttachmentID).
		Logger()

	chatDir := m.cfg.LinksDir(c.ChatID)
	if err := os.MkdirAll(chatDir, 0o755); err != nil {
		return fmt.Errorf("failed to create chat links dir: %w", err)
	}

	var src, dstName string
	switch kind {
	case MediaPhoto:
		src = filepath.Join(m.cfg.StoreDir(kind), fmt.Sprintf("%d.jpg", c.AttachmentID))
		dstName = fmt.Sprintf("%d_%d.jpg", c.MessageID, c.AttachmentID)
	case MediaDocument:
		ext := extensionForMIME(c.MIMEType)
		src = filepath.Join(m.cfg.StoreDir(kind), fmt.Sprintf("%d%s", c.AttachmentID, ext))
		dstName = fmt.Sprint(c.MessageID)
		if c.Name != "" {
			dstName += " " + c.Name
		} else {
			dstName += ext
		}
		dstName = SanitizeFilename(dstName)
	}
	dst := filepath.Join(chatDir, dstName)

	switch _, err := os.Stat(src); {
	case os.IsNotExist(err):
		// Saved then externally removed. Marking linked anyway trades
		// the lost file for not retrying on every pass.
		log.Warn().Str("src", src).Msg("Stored attachment file is gone, marking linked anyway")
	case err != nil:
		return fmt.Errorf("failed to stat store file: %w", err)
	default:
		if _, err = os.Stat(dst); err == nil {
			log.Warn().Str("dst", dst).Msg("Link target already exists, skipping")
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat link target: %w", err)
		} else if err = os.Link(src, dst); err != nil {
			return fmt.Errorf("failed to hardlink %s: %w", dst, err)
		} else {
			log.Debug().Str("dst", dst).Msg("Linked attachment into chat view")
		}
	}
	return nil
}

var invalidFilenameChars = regexp.MustCompile(`[\\/:*?"<>|]`)

var reservedDeviceNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {},
	"COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {},
	"LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// maxFilenameBytes keeps encoded names safely under common filesystem
// limits (255 bytes) with headroom for link-collision suffixes.
const maxFilenameBytes = 250

// SanitizeFilename makes an arbitrary display name safe to use as a
// filename on any supported filesystem: reserved characters become
// underscores, surrounding dots/spaces are stripped, Windows device
// names are defused with a leading underscore, and the result is
// truncated to maxFilenameBytes without splitting a UTF-8 sequence.
func SanitizeFilename(name string) string {
	name = invalidFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, " .")

	base := strings.ToUpper(name)
	if idx := strings.IndexByte(base, '.'); idx >= 0 {
		base = base[:idx]
	}
	if _, reserved := reservedDeviceNames[base]; reserved {
		name = "_" + name
	}

	if len(name) > maxFilenameBytes {
		name = truncateUTF8(name, maxFilenameBytes)
	}
	return name
}

// truncateUTF8 cuts s to at most limit bytes, backing off to the last
// complete rune so the result stays valid UTF-8.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	s = s[:limit]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
