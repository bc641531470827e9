package domain

import (
	"bytes"
	"encoding/csv"
)

// SearchResult references a retrievable source document.
type SearchResult struct {
	SourceID string `json:"source_id"`
	DocID    string `json:"doc_id"`
}

// ExtractedArtifacts is everything decoded from one backend response.
type ExtractedArtifacts struct {
	AnswerText     string
	GeneratedQuery string
	Citations      []SearchResult
}

// Empty reports whether nothing was extracted.
func (a ExtractedArtifacts) Empty() bool {
	return a.AnswerText == "" && a.GeneratedQuery == "" && len(a.Citations) == 0
}

// Citation is a search result prepared for display. Transcript holds the
// guard-approved transcript text, or the denial reason when the transcript was
// rejected. HasTranscript is false when the result carried no document id.
type Citation struct {
	SourceID      string `json:"source_id"`
	DocID         string `json:"doc_id"`
	Transcript    string `json:"transcript,omitempty"`
	HasTranscript bool   `json:"has_transcript"`
}

// Table is a row-oriented query result. Cells are rendered as strings.
type Table struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// Empty reports whether the table carries no rows.
func (t *Table) Empty() bool {
	return t == nil || len(t.Rows) == 0
}

// CSV renders the table as comma separated values with a header row and no
// index column.
func (t *Table) CSV() (string, error) {
	if t == nil {
		return "", nil
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(t.Columns); err != nil {
		return "", err
	}
	if err := w.WriteAll(t.Rows); err != nil {
		return "", err
	}
	return buf.String(), nil
}
