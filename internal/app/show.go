package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"pricekeeper/internal/storage"
)

// Show prints recent commit history, or recent policy decisions with
// --decisions.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Decisions {
		return showDecisions(ctx, store, opts.Limit)
	}
	return showCommits(ctx, store, opts.Limit)
}

func showCommits(ctx context.Context, store *storage.Store, limit int) error {
	commits, err := store.ListRecentCommits(ctx, limit)
	if err != nil {
		return err
	}
	if len(commits) == 0 {
		fmt.Fprintln(os.Stdout, "no commits found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tUSD Price\tStatus\tBy\tBlock\tTx")

	for _, rec := range commits {
		block := ""
		if rec.BlockNumber != nil {
			block = fmt.Sprintf("%d", *rec.BlockNumber)
		}
		fmt.Fprintf(
			writer,
			"%s\t$%s\t%s\t%s\t%s\t%s\n",
			rec.CommittedAt.UTC().Format(time.RFC3339),
			rec.USDPrice.String(),
			rec.Status,
			rec.CommittedBy,
			block,
			rec.TxHash,
		)
	}

	writer.Flush()
	return nil
}

func showDecisions(ctx context.Context, store *storage.Store, limit int) error {
	decisions, err := store.ListRecentDecisions(ctx, limit)
	if err != nil {
		return err
	}
	if len(decisions) == 0 {
		fmt.Fprintln(os.Stdout, "no decisions found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tTrigger\tUSD Price\tOutcome\tReason")

	for _, rec := range decisions {
		fmt.Fprintf(
			writer,
			"%s\t%s\t$%s\t%s\t%s\n",
			rec.EvaluatedAt.UTC().Format(time.RFC3339),
			rec.Trigger,
			rec.USDPrice.String(),
			rec.Outcome,
			sanitizeInline(rec.Reason),
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
