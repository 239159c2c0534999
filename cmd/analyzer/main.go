// Command analyzer classifies, renders and analyzes marketing mail from
// mbox exports and writes one record per message to the warehouse.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// options are the command-line overrides applied on top of the config file.
type options struct {
	configPath  string
	mboxPaths   []string
	mailbox     string
	folder      string
	since       string
	until       string
	concurrency int
	budget      time.Duration
	dryRun      bool
	offline     bool
	metricsAddr string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "analyzer",
		Short:         "Analyze marketing email renders and store the attributes",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := execute(cmd.Context(), opts)
			if report.RunID != "" {
				fmt.Fprintln(cmd.OutOrStdout(), summarize(report))
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "path to config.yaml")
	f.StringArrayVar(&opts.mboxPaths, "mbox", nil, "mbox file to read (repeatable)")
	f.StringVar(&opts.mailbox, "mailbox", "", "mailbox name recorded on each message (default: mbox file name)")
	f.StringVar(&opts.folder, "folder", "", "folder recorded on each message (default INBOX)")
	f.StringVar(&opts.since, "since", "", "only messages received at or after this time (RFC3339 or YYYY-MM-DD)")
	f.StringVar(&opts.until, "until", "", "only messages received before this time (RFC3339 or YYYY-MM-DD)")
	f.IntVar(&opts.concurrency, "concurrency", 0, "worker count (default from config, 3)")
	f.DurationVar(&opts.budget, "budget", 0, "stop dispatching after this long; in-flight messages finish")
	f.BoolVar(&opts.dryRun, "dry-run", false, "publish to a local directory and keep records in memory")
	f.BoolVar(&opts.offline, "offline", false, "skip the browser and the vision model (fallback renders, default attributes)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /healthz and /metrics on this address during the run")
	return cmd
}

// parseTime accepts RFC3339 or a bare date in UTC.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339 or YYYY-MM-DD", s)
	}
	return t, nil
}
