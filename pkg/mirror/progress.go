package mirror

import (
	"fmt"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// progressSummary aggregates per-worker download progress. Each worker
// owns one slot and reports cumulative received bytes after every
// chunk; the summary table is emitted at most once per interval no
// matter how often callbacks fire.
type progressSummary struct {
	log      zerolog.Logger
	interval time.Duration

	mu         sync.Mutex
	lastReport time.Time
	slots      []progressSlot
}

type progressSlot struct {
	active  bool
	label   string // chat_id/message_id
	mediaID int64
	name    string
	total   int64

	received     int64
	speed        float64 // bytes/sec over the last callback delta
	lastAt       time.Time
	lastReceived int64
}

func newProgressSummary(workers int, interval time.Duration, log zerolog.Logger) *progressSummary {
	return &progressSummary{
		log:        log,
		interval:   interval,
		lastReport: time.Now(),
		slots:      make([]progressSlot, workers),
	}
}

// startTask claims a worker's slot for a new download and returns a
// human-readable description of the task for log lines.
func (p *progressSummary) startTask(seq int, msg *Message) string {
	label := fmt.Sprintf("%d/%d", msg.ChatID, msg.ID)
	slot := progressSlot{
		active: true,
		label:  label,
		lastAt: time.Now(),
	}
	var desc string
	switch {
	case msg.Photo != nil:
		slot.mediaID = msg.Photo.ID
		desc = fmt.Sprintf("photo %s | %d", label, msg.Photo.ID)
	case msg.Document != nil:
		slot.mediaID = msg.Document.ID
		slot.name = msg.Document.Name
		slot.total = msg.Document.Size
		desc = fmt.Sprintf("document %s | %d | %s", label, msg.Document.ID, msg.Document.Name)
	default:
		desc = fmt.Sprintf("unknown %s", label)
	}
	p.mu.Lock()
	p.slots[seq] = slot
	p.mu.Unlock()
	return desc
}

func (p *progressSummary) finishTask(seq int) {
	p.mu.Lock()
	p.slots[seq] = progressSlot{}
	p.mu.Unlock()
}

// report is the per-chunk progress callback. received is cumulative
// bytes for the current task. State always updates; the table is only
// emitted once the interval has elapsed since the last emission.
func (p *progressSummary) report(seq int, received int64) {
	now := time.Now()
	p.mu.Lock()
	slot := &p.slots[seq]
	if elapsed := now.Sub(slot.lastAt).Seconds(); elapsed > 0 {
		slot.speed = float64(received-slot.lastReceived) / elapsed
	}
	slot.lastReceived = received
	slot.received = received
	slot.lastAt = now

	if now.Sub(p.lastReport) < p.interval {
		p.mu.Unlock()
		return
	}
	p.lastReport = now
	table := p.renderLocked()
	p.mu.Unlock()

	p.log.Info().Msg("\n" + table)
}

// renderLocked formats the per-task table plus an aggregate throughput
// row. Caller must hold p.mu.
func (p *progressSummary) renderLocked() string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 2, 0, 2, ' ', 0)
	totalSpeed := 0.0
	for i := range p.slots {
		slot := &p.slots[i]
		if !slot.active {
			continue
		}
		totalSpeed += slot.speed

		percent := "--"
		totalStr := "?"
		if slot.total > 0 {
			percent = fmt.Sprintf("%.1f%%", 100*float64(slot.received)/float64(slot.total))
			totalStr = humanize.IBytes(uint64(slot.total))
		}
		fmt.Fprintf(w, "#%d\t%s\t%d\t%s\t%s/%s\t%s\t%s/s\n",
			i, slot.label, slot.mediaID, truncateName(slot.name),
			humanize.IBytes(uint64(slot.received)), totalStr,
			percent, humanize.IBytes(uint64(slot.speed)),
		)
	}
	fmt.Fprintf(w, "\tTotal:\t\t\t\t\t%s/s\n", humanize.IBytes(uint64(totalSpeed)))
	w.Flush()
	return strings.TrimRight(buf.String(), "\n")
}

// truncateName shortens long display names for the table, keeping the
// head and the tail (usually the extension).
func truncateName(name string) string {
	if len(name) <= 32 {
		return name
	}
	return name[:20] + "..." + name[len(name)-10:]
}
