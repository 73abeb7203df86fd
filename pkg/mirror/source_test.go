package mirror

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceRegistry(t *testing.T) {
	fake := newFakeSource()
	RegisterSource("registry-test", func(ctx context.Context, cfg *SourceConfig, log zerolog.Logger) (Source, error) {
		assert.Equal(t, "hello", cfg.Options["greeting"])
		return fake, nil
	})

	cfg := &Config{Source: SourceConfig{
		Kind:    "registry-test",
		Options: map[string]any{"greeting": "hello"},
	}}
	src, err := OpenSource(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Same(t, Source(fake), src)

	assert.Panics(t, func() {
		RegisterSource("registry-test", func(ctx context.Context, cfg *SourceConfig, log zerolog.Logger) (Source, error) {
			return nil, nil
		})
	})

	cfg.Source.Kind = "no-such-transport"
	_, err = OpenSource(context.Background(), cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "no-such-transport")
}
