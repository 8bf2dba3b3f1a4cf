package logtail

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/Chichichkin/LogtailAgent/internal/logging"
)

// entry is the wire shape of a single log.
type entry struct {
	Timestamp string `json:"dt"`
	Message   string `json:"message"`
	Level     string `json:"level"`
	Context   any    `json:"context"`
}

func encode(batch []logging.Log) ([]byte, error) {
	entries := make([]entry, 0, len(batch))
	now := time.Now()

	for _, log := range batch {
		ts := log.Timestamp
		if ts.IsZero() {
			ts = now
		}
		entries = append(entries, entry{
			Timestamp: ts.Format(time.RFC3339Nano),
			Message:   log.Message,
			Level:     log.Level,
			Context:   logging.Sanitize(log.Context),
		})
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(entries); err != nil {
		return nil, errors.Wrap(err, "failed to marshal batch")
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
