package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-safeguard/pkg/domain"
)

// NoTranscriptPlaceholder stands in for a transcript that could not be found.
const NoTranscriptPlaceholder = "No transcript available"

// resolveCitations looks up and checks each citation's transcript. Checks run
// concurrently but results keep the input order.
func (o *Orchestrator) resolveCitations(ctx context.Context, thread domain.Thread, refs []domain.SearchResult) []domain.Citation {
	citations := make([]domain.Citation, len(refs))

	var g errgroup.Group
	g.SetLimit(o.cfg.CitationConcurrency)

	for i, ref := range refs {
		citations[i] = domain.Citation{SourceID: ref.SourceID, DocID: ref.DocID}
		if ref.DocID == "" {
			continue
		}
		g.Go(func() error {
			citations[i].Transcript = o.resolveTranscript(ctx, thread, ref.DocID)
			citations[i].HasTranscript = true
			return nil
		})
	}
	_ = g.Wait()

	return citations
}

// resolveTranscript returns the guard payload for docID's transcript: the
// approved text or the denial reason.
func (o *Orchestrator) resolveTranscript(ctx context.Context, thread domain.Thread, docID string) string {
	text := NoTranscriptPlaceholder
	if o.transcripts != nil {
		transcript, found, err := o.transcripts.Lookup(ctx, docID)
		switch {
		case err != nil:
			o.logger.Warn("transcript lookup failed", "thread_id", thread.ID, "error", err)
		case found && transcript != "":
			text = transcript
		}
	}
	return o.guard.Check(ctx, text, domain.ConversationReply, thread).Payload
}
