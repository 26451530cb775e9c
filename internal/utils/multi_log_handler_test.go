package utils

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMultiLogHandler(t *testing.T) {
	var debugBuf, infoBuf bytes.Buffer
	h := NewMultiLogHandler(
		slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&infoBuf, &slog.HandlerOptions{Level: slog.LevelInfo}),
	)
	logger := slog.New(h).With("client", "a").WithGroup("sync")

	logger.Debug("delta page", "items", 3)
	logger.Info("done", "created", 1)

	assert.Contains(t, debugBuf.String(), "delta page")
	assert.Contains(t, debugBuf.String(), "sync.items=3")
	assert.Contains(t, debugBuf.String(), "client=a")
	assert.NotContains(t, infoBuf.String(), "delta page")
	assert.Contains(t, infoBuf.String(), "sync.created=1")
}
