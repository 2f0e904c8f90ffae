package setting

import (
	"context"
	"io"
	"log/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}
