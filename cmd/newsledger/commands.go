package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/newsledger/internal/scheduler"
	"github.com/elonfeng/newsledger/pkg/draft"
	"github.com/elonfeng/newsledger/pkg/ledger"
	"github.com/elonfeng/newsledger/pkg/server"
)

// ingestInput is an item supplied on the command line.
type ingestInput = ledger.Entry

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runCollect(ctx context.Context) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	return a.task(ctx, "collect", func(ctx context.Context) error {
		rep, err := a.processor.Collect(ctx)
		if err != nil {
			return fmt.Errorf("collect: %w", err)
		}
		return printJSON(rep)
	})
}

func runIngest(ctx context.Context, in ingestInput, isTest bool) error {
	if in.Text() == "" {
		return errors.New("title or body is required")
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if in.PublishedAt.IsZero() {
		in.PublishedAt = time.Now().UTC()
	}
	out, err := a.processor.ProcessEntry(ctx, in, isTest)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	return printJSON(out)
}

func runReconcile(ctx context.Context) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.requireReview(); err != nil {
		return err
	}

	return a.task(ctx, "reconcile", func(ctx context.Context) error {
		rep, err := a.reconciler.Reconcile(ctx)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		return printJSON(rep)
	})
}

func runPublish(ctx context.Context) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	return a.task(ctx, "publish", func(ctx context.Context) error {
		rep, err := a.handoff.Run(ctx)
		if err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		return printJSON(rep)
	})
}

func runMaintain(ctx context.Context) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	return a.task(ctx, "maintain", func(ctx context.Context) error {
		rep, err := a.maintainer.Run(ctx)
		if err != nil {
			return fmt.Errorf("maintain: %w", err)
		}
		return printJSON(rep)
	})
}

func runDrafts(status string, jsonOutput bool) error {
	want := draft.Status(status)
	if want != "" && !want.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	doc, err := a.docs.View()
	if err != nil {
		return fmt.Errorf("read drafts: %w", err)
	}
	drafts := make([]draft.Draft, 0, len(doc.PendingStories))
	for _, d := range doc.PendingStories {
		if want == "" || d.Status == want {
			drafts = append(drafts, d)
		}
	}

	if jsonOutput {
		return printJSON(drafts)
	}
	if len(drafts) == 0 {
		fmt.Println("no drafts found (try collecting first: newsledger collect)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STORY\tSTATUS\tTIER\tSCORE\tTOPIC\tUPDATED")
	for _, d := range drafts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%s\t%s\n",
			d.StoryID, d.Status, d.ApprovalTier, d.Score, d.Title(),
			d.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runEdit(ctx context.Context, storyID, text string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.requireReview(); err != nil {
		return err
	}

	if err := a.reconciler.ApplyEdit(ctx, storyID, text); err != nil {
		return fmt.Errorf("edit %s: %w", storyID, err)
	}
	fmt.Printf("draft %s updated and sent back for review\n", storyID)
	return nil
}

func runServe(ctx context.Context, port int) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	return a.server(port, false).ListenAndServe(ctx)
}

// runDaemon runs the scheduled jobs, the reconciler loop and the HTTP API
// until interrupted.
func runDaemon(ctx context.Context, port int) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sched := a.cfg.Schedule
	tasks := []scheduler.Task{
		{Name: "collect", Interval: sched.Collect(), Run: func(ctx context.Context) error {
			_, err := a.processor.Collect(ctx)
			return err
		}},
		{Name: "publish", Interval: sched.Publish(), Run: func(ctx context.Context) error {
			_, err := a.handoff.Run(ctx)
			return err
		}},
		{Name: "maintain", Interval: sched.Maintain(), Run: func(ctx context.Context) error {
			_, err := a.maintainer.Run(ctx)
			return err
		}},
	}
	s := scheduler.New(a.logger, tasks...)
	if a.alerts.HasNotifiers() {
		s.OnError(func(task string, err error) {
			if aerr := a.alerts.Fatal(context.Background(), task, err); aerr != nil {
				a.logger.Warn().Err(aerr).Str("task", task).Msg("failure alert not delivered")
			}
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Run(gctx) })
	if a.reconciler != nil {
		g.Go(func() error { return a.reconciler.Run(gctx, sched.Reconcile()) })
	} else {
		a.logger.Info().Msg("review channel disabled, drafts needing review will wait")
	}
	g.Go(func() error { return a.server(port, a.reconciler != nil).ListenAndServe(gctx) })

	err = g.Wait()
	a.logger.Info().Msg("shutting down")
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *app) server(port int, queued bool) *server.Server {
	if port == 0 {
		port = a.cfg.Server.Port
	}
	return server.New(server.Config{
		Port:       port,
		Store:      a.store,
		Docs:       a.docs,
		Processor:  a.processor,
		Reconciler: a.reconciler,
		Queued:     queued,
		Health:     a.health,
		Logger:     a.logger,
	})
}
