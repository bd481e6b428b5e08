package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// exportNDJSON encodes events as newline-delimited JSON
func exportNDJSON(events []*SecurityEvent) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, event := range events {
		if err := encoder.Encode(event); err != nil {
			return nil, fmt.Errorf("failed to encode event %d: %w", event.ID, err)
		}
	}
	return buf.Bytes(), nil
}
