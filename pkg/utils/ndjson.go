package utils

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// SetupNDJSONHeaders prepares the response for newline-delimited JSON streaming.
func SetupNDJSONHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
}

// WriteNDJSONLine marshals payload as one JSON line and flushes it immediately
// so the client sees each event as soon as it is produced. The returned error
// usually means the client went away.
func WriteNDJSONLine(w http.ResponseWriter, flusher http.Flusher, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal ndjson payload: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write ndjson payload: %w", err)
	}
	if _, err := w.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write ndjson terminator: %w", err)
	}
	flusher.Flush()
	return nil
}
