package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/weftlabs/weft/core/pkg/contracts"
)

// WriteJSONL streams events to w, one JSON object per line — the wire
// format for export and audit.
func WriteJSONL(w io.Writer, events []*contracts.WALEvent) error {
	enc := json.NewEncoder(w)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("wal: encode event %s: %w", e.EventID, err)
		}
	}
	return nil
}

// ReadJSONL parses a JSONL export back into events, preserving order.
func ReadJSONL(r io.Reader) ([]*contracts.WALEvent, error) {
	var out []*contracts.WALEvent
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e contracts.WALEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("wal: decode line %d: %w", line, err)
		}
		out = append(out, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("wal: read export: %w", err)
	}
	return out, nil
}
