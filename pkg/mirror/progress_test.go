package mirror

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestProgressSummaryRateLimit(t *testing.T) {
	var buf strings.Builder
	p := newProgressSummary(2, time.Hour, zerolog.New(&buf))

	msg := documentMessage(42, 7, 600, "report.pdf", "application/pdf", 1000)
	desc := p.startTask(0, msg)
	assert.Equal(t, "document 42/7 | 600 | report.pdf", desc)

	// Inside the interval nothing is emitted, no matter how many
	// callbacks fire.
	p.report(0, 100)
	p.report(0, 200)
	assert.Empty(t, buf.String())

	p.interval = 0
	p.report(0, 250)
	out := buf.String()
	assert.Contains(t, out, "42/7")
	assert.Contains(t, out, "report.pdf")
	assert.Contains(t, out, "25.0%")
	assert.Contains(t, out, "Total:")
}

func TestProgressSummaryUnknownTotal(t *testing.T) {
	var buf strings.Builder
	p := newProgressSummary(1, 0, zerolog.New(&buf))

	desc := p.startTask(0, photoMessage(42, 7, 500))
	assert.Equal(t, "photo 42/7 | 500", desc)

	p.report(0, 100)
	out := buf.String()
	assert.Contains(t, out, "--")
	assert.Contains(t, out, "?")
}

func TestProgressSummaryFinishClearsSlot(t *testing.T) {
	var buf strings.Builder
	p := newProgressSummary(1, 0, zerolog.New(&buf))

	p.startTask(0, photoMessage(42, 7, 500))
	p.finishTask(0)

	p.mu.Lock()
	table := p.renderLocked()
	p.mu.Unlock()
	assert.NotContains(t, table, "42/7")
	assert.Contains(t, table, "Total:")
}

func TestTruncateName(t *testing.T) {
	assert.Equal(t, "short.pdf", truncateName("short.pdf"))
	long := strings.Repeat("a", 40) + ".tar.gz"
	got := truncateName(long)
	assert.Len(t, got, 33)
	assert.True(t, strings.HasPrefix(got, strings.Repeat("a", 20)))
	assert.True(t, strings.HasSuffix(got, "aaa.tar.gz"))
}
