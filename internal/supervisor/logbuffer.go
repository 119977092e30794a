package supervisor

import (
	"sync"
	"time"

	"fleet-mcp/backend/pkg/models"
)

// logBuffer keeps the most recent output lines of one process instance.
// Oldest entries are evicted once the capacity is reached.
type logBuffer struct {
	mu       sync.RWMutex
	lines    []models.LogLine
	capacity int
}

func newLogBuffer(capacity int) *logBuffer {
	return &logBuffer{
		lines:    make([]models.LogLine, 0, capacity),
		capacity: capacity,
	}
}

// Append records a line from the given stream ("info" or "error").
func (b *logBuffer) Append(stream, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.lines) >= b.capacity {
		b.lines = b.lines[1:]
	}
	b.lines = append(b.lines, models.LogLine{
		Timestamp: time.Now(),
		Stream:    stream,
		Line:      line,
	})
}

// Lines returns a copy of the buffered lines in arrival order.
func (b *logBuffer) Lines() []models.LogLine {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]models.LogLine, len(b.lines))
	copy(out, b.lines)
	return out
}
