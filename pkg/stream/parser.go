package stream

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/polisai/polis-safeguard/pkg/domain"
)

// Parse walks records in order and accumulates the answer text, the query of
// the last json tool result and every citation. Each json tool result replaces
// the query, so one without sql clears it. When a record cannot be decoded the
// walk stops after committing the blocks decoded before the fault, and the
// artifacts gathered so far are returned with a *domain.StreamDecodeError.
func Parse(records []json.RawMessage) (domain.ExtractedArtifacts, error) {
	var (
		answer    strings.Builder
		artifacts domain.ExtractedArtifacts
	)

	apply := func(delta *MessageDelta) {
		for _, block := range delta.Content {
			switch b := block.(type) {
			case *TextBlock:
				answer.WriteString(b.Text)
			case *ToolResultsBlock:
				for _, item := range b.Items {
					result, ok := item.(*JSONResult)
					if !ok {
						continue
					}
					answer.WriteString(result.Text)
					artifacts.GeneratedQuery = result.SQL
					artifacts.Citations = append(artifacts.Citations, result.SearchResults...)
				}
			}
		}
	}

	for i, raw := range records {
		event, err := DecodeEvent(raw)
		if delta, ok := event.(*MessageDelta); ok {
			apply(delta)
		}
		if err != nil {
			artifacts.AnswerText = answer.String()
			return artifacts, &domain.StreamDecodeError{Index: i, Err: err}
		}
	}

	artifacts.AnswerText = answer.String()
	return artifacts, nil
}

// ParseContent decodes a serialized event array and parses it. Empty input
// and JSON values other than an array, such as a plain string, carry no
// events.
func ParseContent(content []byte) (domain.ExtractedArtifacts, error) {
	records, err := DecodeRecords(content)
	if err != nil {
		return domain.ExtractedArtifacts{}, err
	}
	return Parse(records)
}

// DecodeRecords splits a serialized event array into raw records.
func DecodeRecords(content []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, nil
	}
	var records []json.RawMessage
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, &domain.StreamDecodeError{Index: -1, Err: err}
	}
	return records, nil
}
