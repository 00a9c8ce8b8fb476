package events

import (
	"encoding/json"
	"os"
	"sync"

	"go.uber.org/zap"
)

// StdoutEmitter writes one JSON-encoded RenderEvent per line to stdout, for
// operators tailing process output instead of a file during local runs.
type StdoutEmitter struct {
	mu     sync.Mutex
	logger *zap.Logger
}

// NewStdoutEmitter creates a new stdout-based event emitter.
func NewStdoutEmitter(logger *zap.Logger) *StdoutEmitter {
	return &StdoutEmitter{logger: logger}
}

// Emit marshals the event to JSON and writes it to stdout.
func (s *StdoutEmitter) Emit(event *RenderEvent) {
	line, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal render event", zap.Error(err), zap.String("request_id", event.RequestID))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	os.Stdout.Write(append(line, '\n'))
}

// Close is a no-op; stdout outlives the emitter.
func (s *StdoutEmitter) Close() error { return nil }
