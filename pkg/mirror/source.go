package mirror

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Message is a normalized remote message as delivered by a Source.
// At most one of Photo and Document is expected to be set, but the
// catalog does not enforce that.
type Message struct {
	ID       int64
	ChatID   int64
	SenderID int64
	Date     time.Time
	EditDate time.Time
	Text     string

	ReplyTo *ReplyRef
	Forward *ForwardRef

	Photo    *Photo
	Document *Document

	// Service marks non-message events (joins, pins, etc.). The sync
	// engine skips them but they still advance iteration.
	Service bool

	// Buttons holds the labels of any inline keyboard attached to the
	// message, flattened row by row. Used by file bots for pagination.
	Buttons []string
}

// ReplyRef identifies the message a reply points at.
type ReplyRef struct {
	MessageID int64
	ChatID    int64
	SenderID  int64
}

// ForwardRef identifies the origin of a forwarded message.
type ForwardRef struct {
	MessageID int64
	ChatID    int64
	SenderID  int64
	Date      time.Time
}

// Photo is a remote photo attachment. Photo IDs are globally unique in
// the source system and reused across forwards, which is what makes
// content-addressed dedup possible.
type Photo struct {
	ID int64
}

// Document is a remote document attachment.
type Document struct {
	ID       int64
	MIMEType string
	Size     int64
	Name     string
}

// Dialog is one entry of the remote conversation list.
type Dialog struct {
	ID   int64
	Name string
}

// MessageIter yields messages one at a time in forward (oldest-first)
// order. Next returns (nil, nil) once the sequence is exhausted.
type MessageIter interface {
	Next(ctx context.Context) (*Message, error)
}

// ChunkStream yields the raw bytes of one attachment in order. Next
// returns (nil, nil) after the final chunk. Streams are not restartable;
// a failed download must be retried from a fresh DownloadChunks call.
type ChunkStream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Source is the remote message source. Authentication, session
// persistence, transport encryption and rate limiting all live behind
// this boundary; chatmirror never retries at this layer — callers decide
// retry policy per unit of work.
type Source interface {
	// IterMessages iterates messages of chatID with minID < id <= maxID
	// (maxID 0 means unbounded), oldest first, at most limit messages.
	IterMessages(ctx context.Context, chatID, minID, maxID int64, limit int) MessageIter

	// GetMessagesByIDs fetches full message objects for the given ids in
	// one batch call. Missing ids are returned as nil entries.
	GetMessagesByIDs(ctx context.Context, chatID int64, ids []int64) ([]*Message, error)

	// DownloadChunks opens a chunked byte stream for the attachment
	// carried by msg.
	DownloadChunks(ctx context.Context, msg *Message) (ChunkStream, error)

	// ListDialogs returns the conversation list for setup mode.
	ListDialogs(ctx context.Context) ([]Dialog, error)

	// SendText sends a text message to a peer (bot username), returning
	// the sent message.
	SendText(ctx context.Context, peer string, text string) (*Message, error)

	// LatestMessage returns the newest message in the conversation with
	// peer, or nil if there is none.
	LatestMessage(ctx context.Context, peer string) (*Message, error)

	// ClickButton presses the inline keyboard button with the given
	// label on msg.
	ClickButton(ctx context.Context, msg *Message, label string) error
}

// SourceFactory builds a Source from the opaque source section of the
// config. Concrete transports register themselves the way database/sql
// drivers do, keeping the SDK dependency out of this package.
type SourceFactory func(ctx context.Context, cfg *SourceConfig, log zerolog.Logger) (Source, error)

var sourceFactories = map[string]SourceFactory{}

// RegisterSource registers a transport under a kind name. Call from an
// init function in the transport package.
func RegisterSource(kind string, factory SourceFactory) {
	if _, dup := sourceFactories[kind]; dup {
		panic("mirror: RegisterSource called twice for " + kind)
	}
	sourceFactories[kind] = factory
}

// OpenSource instantiates the Source named by cfg.Source.Kind.
func OpenSource(ctx context.Context, cfg *Config, log zerolog.Logger) (Source, error) {
	factory, ok := sourceFactories[cfg.Source.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown source kind %q (no transport registered)", cfg.Source.Kind)
	}
	return factory(ctx, &cfg.Source, log.With().Str("component", "source").Logger())
}

// ErrNoAttachment is returned by download tasks whose message carries
// neither a photo nor a document.
var ErrNoAttachment = errors.New("message has no photo or document")

// ErrChunkTimeout is returned when the wait for the next download chunk
// exceeds the configured timeout. The timeout bounds each chunk wait,
// not the whole transfer, so a slow but live connection survives.
var ErrChunkTimeout = errors.New("timed out waiting for next chunk")
