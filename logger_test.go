package mqttcore

import (
	"errors"
	"io"
	"log/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errTestStoreFailure = errors.New("simulated store failure")
