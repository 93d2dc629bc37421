// ABOUTME: Offline report commands: node, neighbors, links, talkers
// ABOUTME: Read the configured database directly; the bridge does not need to be running

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/mesh-bridge/internal/bridge"
	"github.com/2389/mesh-bridge/internal/config"
	"github.com/2389/mesh-bridge/internal/report"
)

type reportFlags struct {
	compact bool
	json    bool
	window  string
	n       int
}

func (f *reportFlags) bind(cmd *cobra.Command, ranked bool) {
	cmd.Flags().BoolVar(&f.compact, "compact", false, "single radio message form")
	cmd.Flags().BoolVar(&f.json, "json", false, "print {text, no_data} as JSON")
	if ranked {
		cmd.Flags().StringVarP(&f.window, "window", "w", "24h", "look-back window, e.g. 6h or 7d")
		cmd.Flags().IntVarP(&f.n, "limit", "n", bridge.DefaultTopN, "number of entries")
	}
}

func (f *reportFlags) windowDuration() (time.Duration, error) {
	d, err := config.ParseDuration(f.window)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid --window %q", f.window)
	}
	return d, nil
}

// withReports opens the store, runs query and prints its result.
func withReports(cmd *cobra.Command, opts *rootOptions, flags *reportFlags, query func(ctx context.Context, r *bridge.Reports) (report.Result, error)) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	reports, err := bridge.OpenReports(ctx, cfg, discardLogger())
	if err != nil {
		return err
	}
	defer reports.Close()

	res, err := query(ctx, reports)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), res, flags.json)
}

func printResult(w io.Writer, res report.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(bridge.ReportResponse{Text: res.Text, NoData: res.NoData})
	}
	_, err := fmt.Fprintln(w, res.Text)
	return err
}

func newNodeCmd(opts *rootOptions) *cobra.Command {
	flags := &reportFlags{}
	cmd := &cobra.Command{
		Use:   "node <id>",
		Short: "Show one node's statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReports(cmd, opts, flags, func(ctx context.Context, r *bridge.Reports) (report.Result, error) {
				return r.QueryNodeStats(ctx, args[0], flags.compact)
			})
		},
	}
	flags.bind(cmd, false)
	return cmd
}

func newNeighborsCmd(opts *rootOptions) *cobra.Command {
	flags := &reportFlags{}
	var filter string
	cmd := &cobra.Command{
		Use:   "neighbors",
		Short: "Summarize the neighbor topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReports(cmd, opts, flags, func(ctx context.Context, r *bridge.Reports) (report.Result, error) {
				return r.NeighborReport(ctx, filter, flags.compact)
			})
		},
	}
	flags.bind(cmd, false)
	cmd.Flags().StringVarP(&filter, "filter", "f", "", "only edges touching nodes whose id contains this")
	return cmd
}

func newLinksCmd(opts *rootOptions) *cobra.Command {
	flags := &reportFlags{}
	cmd := &cobra.Command{
		Use:   "links",
		Short: "Rank the longest directly heard links",
		RunE: func(cmd *cobra.Command, args []string) error {
			window, err := flags.windowDuration()
			if err != nil {
				return err
			}
			return withReports(cmd, opts, flags, func(ctx context.Context, r *bridge.Reports) (report.Result, error) {
				return r.TopPropagationLinks(ctx, window, flags.n, flags.compact)
			})
		},
	}
	flags.bind(cmd, true)
	return cmd
}

func newTalkersCmd(opts *rootOptions) *cobra.Command {
	flags := &reportFlags{}
	cmd := &cobra.Command{
		Use:   "talkers",
		Short: "Rank nodes by packets sent",
		RunE: func(cmd *cobra.Command, args []string) error {
			window, err := flags.windowDuration()
			if err != nil {
				return err
			}
			return withReports(cmd, opts, flags, func(ctx context.Context, r *bridge.Reports) (report.Result, error) {
				return r.TopTalkers(ctx, window, flags.n, flags.compact)
			})
		},
	}
	flags.bind(cmd, true)
	return cmd
}
