package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/polisai/polis-safeguard/pkg/domain"
	"github.com/polisai/polis-safeguard/pkg/pipeline"
)

const (
	chatPrompt   = "> "
	chatNewCmd   = "/new"
	chatQuitCmd  = "/quit"
	maxTableRows = 50
)

// renderResult writes a turn for terminal display.
func renderResult(w io.Writer, result domain.SafeguardedResult) error {
	bw := bufio.NewWriter(w)

	if result.Rejected {
		fmt.Fprintln(bw, result.Reason)
		return bw.Flush()
	}

	fmt.Fprintln(bw, pipeline.RenderBullets(result.AnswerText))

	if result.GeneratedQuery != "" {
		fmt.Fprintf(bw, "\nSQL:\n%s\n", result.GeneratedQuery)
	}

	if result.Table != nil {
		fmt.Fprintln(bw)
		if err := renderTable(bw, result.Table); err != nil {
			return err
		}
	} else if result.Audit.Blocked {
		fmt.Fprintf(bw, "\nResults withheld: %s\n", result.Audit.Reason)
	}

	if len(result.Citations) > 0 {
		fmt.Fprintln(bw, "\nCitations:")
		for i, c := range result.Citations {
			fmt.Fprintf(bw, "[%d] %s\n", i+1, c.SourceID)
			if c.HasTranscript {
				fmt.Fprintf(bw, "    %s\n", strings.ReplaceAll(c.Transcript, "\n", "\n    "))
			}
		}
	}
	return bw.Flush()
}

func renderTable(w io.Writer, table *domain.Table) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(table.Columns, "\t"))
	for i, row := range table.Rows {
		if i == maxTableRows {
			fmt.Fprintf(tw, "... %d more rows\n", len(table.Rows)-maxTableRows)
			break
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// runChat reads utterances line by line until EOF, /quit or cancellation.
func runChat(ctx context.Context, conv *pipeline.Conversation, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, chatPrompt)
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case chatQuitCmd:
			return nil
		case chatNewCmd:
			conv.Reset()
			fmt.Fprintln(out, "Started a new conversation.")
			continue
		}

		result, err := conv.Ask(ctx, line)
		if errors.Is(err, domain.ErrEmptyUtterance) {
			continue
		}
		if err != nil {
			return err
		}
		if err := renderResult(out, result); err != nil {
			return err
		}
		fmt.Fprintln(out)
	}
}
