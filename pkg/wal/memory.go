package wal

import (
	"context"
	"sync"
	"time"

	"github.com/weftlabs/weft/core/pkg/contracts"
)

type memoryStream struct {
	events   []*contracts.WALEvent
	headHash string
}

// MemoryLog is a thread-safe in-memory Log, the reference implementation
// used by tests and single-node deployments.
type MemoryLog struct {
	mu      sync.RWMutex
	streams map[string]*memoryStream
	clock   func() time.Time
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		streams: make(map[string]*memoryStream),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for tests.
func (l *MemoryLog) WithClock(clock func() time.Time) *MemoryLog {
	l.clock = clock
	return l
}

func streamKey(tenantID, executionID string) string {
	return tenantID + "/" + executionID
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, req AppendRequest) (*contracts.WALEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := streamKey(req.TenantID, req.ExecutionID)
	stream, ok := l.streams[key]
	if !ok {
		stream = &memoryStream{headHash: genesisHash}
		l.streams[key] = stream
	}

	event, err := buildEvent(req, int64(len(stream.events))+1, stream.headHash, l.clock())
	if err != nil {
		return nil, err
	}
	h, err := eventHash(event)
	if err != nil {
		return nil, err
	}

	stream.events = append(stream.events, event)
	stream.headHash = h
	return event, nil
}

// Replay implements Log.
func (l *MemoryLog) Replay(ctx context.Context, tenantID, executionID string) ([]*contracts.WALEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stream, ok := l.streams[streamKey(tenantID, executionID)]
	if !ok {
		return nil, nil
	}
	out := make([]*contracts.WALEvent, len(stream.events))
	copy(out, stream.events)
	return out, nil
}
