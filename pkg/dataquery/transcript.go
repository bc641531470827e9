package dataquery

import (
	"context"
	"fmt"
)

// TranscriptStatement selects the transcript for one conversation.
const TranscriptStatement = "SELECT transcript_text FROM sales_conversations WHERE conversation_id = ?"

// TranscriptLookup resolves citation document ids to transcript text.
type TranscriptLookup struct {
	exec Executor
}

// NewTranscriptLookup wraps exec.
func NewTranscriptLookup(exec Executor) *TranscriptLookup {
	return &TranscriptLookup{exec: exec}
}

// Lookup returns the first cell of the first row. found is false when the
// query returned no rows.
func (l *TranscriptLookup) Lookup(ctx context.Context, docID string) (transcript string, found bool, err error) {
	table, err := l.exec.Query(ctx, TranscriptStatement, docID)
	if err != nil {
		return "", false, fmt.Errorf("lookup transcript: %w", err)
	}
	if table.Empty() || len(table.Rows[0]) == 0 {
		return "", false, nil
	}
	return table.Rows[0][0], true, nil
}
