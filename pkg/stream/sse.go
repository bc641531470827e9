package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const (
	doneSentinel   = "[DONE]"
	maxSSELineSize = 4 << 20
)

// SSEEvent is one text/event-stream frame.
type SSEEvent struct {
	Event string
	ID    string
	Data  string
}

// ParseSSEEvent parses the lines of a single frame. Comment lines are
// skipped, unknown fields ignored and multi-line data joined with "\n".
func ParseSSEEvent(lines []string) SSEEvent {
	var (
		event     SSEEvent
		dataLines []string
	)
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event.Event = value
		case "data":
			dataLines = append(dataLines, value)
		case "id":
			event.ID = value
		}
	}
	event.Data = strings.Join(dataLines, "\n")
	return event
}

// ReadSSE reads a complete text/event-stream body and converts every frame to
// a record shaped {"event": ..., "data": ...}. Data that is not valid JSON is
// carried as a JSON string; the [DONE] sentinel is dropped.
func ReadSSE(r io.Reader) ([]json.RawMessage, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineSize)

	var (
		records []json.RawMessage
		frame   []string
	)

	flush := func() error {
		if len(frame) == 0 {
			return nil
		}
		event := ParseSSEEvent(frame)
		frame = frame[:0]
		if event.Event == "" && event.Data == "" {
			return nil
		}
		if strings.TrimSpace(event.Data) == doneSentinel {
			return nil
		}
		record, err := toRecord(event)
		if err != nil {
			return err
		}
		records = append(records, record)
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSuffix(line, "\r") == "" {
			if err := flush(); err != nil {
				return records, err
			}
			continue
		}
		frame = append(frame, line)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("read event stream: %w", err)
	}
	if err := flush(); err != nil {
		return records, err
	}
	return records, nil
}

func toRecord(event SSEEvent) (json.RawMessage, error) {
	var data json.RawMessage
	if event.Data != "" && json.Valid([]byte(event.Data)) {
		data = json.RawMessage(event.Data)
	} else {
		encoded, err := json.Marshal(event.Data)
		if err != nil {
			return nil, fmt.Errorf("encode event data: %w", err)
		}
		data = encoded
	}

	record, err := json.Marshal(struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}{Event: event.Event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode event record: %w", err)
	}
	return record, nil
}
