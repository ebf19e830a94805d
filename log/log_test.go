package log

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"trace":    LevelTrace,
		"DEBUG":    LevelDebug,
		"info":     LevelInfo,
		"":         LevelInfo,
		"warning":  LevelWarn,
		"error":    LevelError,
		"critical": LevelCrit,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.EqualError(t, err, "invalid level: loud")
}

func TestModuleLogger(t *testing.T) {
	prev := Root()
	defer SetDefault(prev)

	var buf bytes.Buffer
	SetDefault(slog.New(NewHandler(&buf, LevelTrace)))

	l := New(CacheModule, "shard", 3)
	Trace(l, "evict", "block", 7)

	out := buf.String()
	assert.Contains(t, out, "level=TRACE")
	assert.Contains(t, out, "module=bcache")
	assert.Contains(t, out, "shard=3")
	assert.Contains(t, out, "block=7")
}

func TestRootDiscardsByDefault(t *testing.T) {
	assert.False(t, slog.New(discardHandler{}).Enabled(context.Background(), LevelCrit))
}
