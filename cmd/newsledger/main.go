package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	envFile string
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "newsledger",
		Short:         "Deduplicate news, draft posts and run them through human review",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	root.PersistentFlags().StringVar(&envFile, "env", ".env", "env file with NEWSLEDGER_* settings")

	root.AddCommand(collectCmd())
	root.AddCommand(ingestCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(publishCmd())
	root.AddCommand(maintainCmd())
	root.AddCommand(draftsCmd())
	root.AddCommand(editCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())

	return root
}

func collectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Fetch all feeds and run new items through the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollect(cmd.Context())
		},
	}
}

func ingestCmd() *cobra.Command {
	var (
		in     ingestInput
		isTest bool
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run a single manually supplied item through the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), in, isTest)
		},
	}

	cmd.Flags().StringVar(&in.Source, "source", "manual", "source name")
	cmd.Flags().StringVar(&in.Title, "title", "", "item title")
	cmd.Flags().StringVar(&in.Body, "body", "", "item body")
	cmd.Flags().StringVar(&in.URL, "url", "", "item link")
	cmd.Flags().StringVar(&in.Priority, "priority", "P1", "priority (P0, P1, P2)")
	cmd.Flags().StringVar(&in.Tier, "tier", "", "source tier tag")
	cmd.Flags().BoolVar(&isTest, "test", false, "mark the draft as a test; it is never published")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Post waiting drafts and apply reviewer reactions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd.Context())
		},
	}
}

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Publish approved drafts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd.Context())
		},
	}
}

func maintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Archive stale drafts and items, purge old clusters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaintain(cmd.Context())
		},
	}
}

func draftsCmd() *cobra.Command {
	var (
		jsonOutput bool
		status     string
	)

	cmd := &cobra.Command{
		Use:   "drafts",
		Short: "List pending drafts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrafts(status, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&status, "status", "", "only drafts with this status")
	return cmd
}

func editCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <story-id> <text>",
		Short: "Replace the text of a draft awaiting an edit and re-post it",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(cmd.Context(), args[0], strings.Join(args[1:], " "))
		},
	}
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with scheduler, reconciler and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}
