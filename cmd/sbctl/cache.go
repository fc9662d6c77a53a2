package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/example/sbctl/internal/layerstore"
	"github.com/example/sbctl/pkg/buildkit"
	"github.com/example/sbctl/pkg/registry"
)

func newCacheCommand(state *rootState) *cobra.Command {
	var cacheDir string
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the layer cache",
		Args:  cobra.NoArgs,
	}
	cmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "Layer cache directory (defaults to the configured or user cache dir)")

	open := func(cmd *cobra.Command) (*layerstore.Store, error) {
		dir := cacheDir
		if dir == "" {
			cfg, err := loadDefaults(cmd, ".")
			if err != nil {
				return nil, err
			}
			dir = cfg.Build.CacheDir
		}
		if dir == "" {
			dir = layerstore.DefaultDir()
		}
		state.logger.V(1).Info("opening layer cache", "dir", dir)
		return layerstore.Open(dir)
	}

	cmd.AddCommand(
		newCacheListCommand(open),
		newCachePruneCommand(open),
		newCacheHistoryCommand(open),
		newCacheImagesCommand(),
	)
	return cmd
}

type storeOpener func(cmd *cobra.Command) (*layerstore.Store, error)

func newCacheListCommand(open storeOpener) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List cached layers, most recently used first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			records, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			return writeLayers(cmd.OutOrStdout(), records)
		},
	}
}

func writeLayers(w io.Writer, records []layerstore.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTEP\tKEY\tDIGEST\tSIZE\tLAST USED")
	var total int64
	for _, rec := range records {
		total += rec.Size
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Stage, rec.Step, shortKey(rec.Key.String()), shortKey(rec.Digest.String()),
			humanize.Bytes(uint64(rec.Size)), humanize.Time(rec.LastUsedAt))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d layer(s), %s\n", len(records), humanize.Bytes(uint64(total)))
	return nil
}

func newCachePruneCommand(open storeOpener) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove layers not used within --older-than",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return fmt.Errorf("--older-than must not be negative")
			}
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			res, err := store.Prune(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d layer(s) and %d blob(s), reclaimed %s\n", res.Records, res.Blobs, humanize.Bytes(uint64(res.Bytes)))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Keep layers used more recently than this; 0 removes everything")
	return cmd
}

func newCacheHistoryCommand(open storeOpener) *cobra.Command {
	var (
		limit   int
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent builds and their per-step cache outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			builds, err := store.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			writeHistory(cmd.OutOrStdout(), builds, verbose)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Number of builds to show")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show every step of each build")
	return cmd
}

func writeHistory(w io.Writer, builds []layerstore.Build, verbose bool) {
	if len(builds) == 0 {
		fmt.Fprintln(w, "No builds recorded")
		return
	}
	for _, b := range builds {
		counts := map[string]int{}
		for _, st := range b.Steps {
			counts[st.Outcome]++
		}
		var parts []string
		for _, outcome := range []string{layerstore.OutcomeCached, layerstore.OutcomeBuilt, layerstore.OutcomeFailed, layerstore.OutcomeSkipped} {
			if n := counts[outcome]; n > 0 {
				parts = append(parts, fmt.Sprintf("%d %s", n, outcome))
			}
		}
		fmt.Fprintf(w, "#%d %s %s [%s] %s in %s: %s\n",
			b.ID, b.StartedAt.Local().Format(time.DateTime), b.Recipe, b.Backend, b.Outcome,
			b.FinishedAt.Sub(b.StartedAt).Round(time.Millisecond), strings.Join(parts, ", "))
		if b.Error != "" {
			fmt.Fprintf(w, "    error: %s\n", firstLine(b.Error))
		}
		if !verbose {
			continue
		}
		for _, st := range b.Steps {
			fmt.Fprintf(w, "    %s %s %s\n", runewidth.FillRight(st.Stage, 13), runewidth.FillRight(st.Step, 20), st.Outcome)
		}
	}
}

func newCacheImagesCommand() *cobra.Command {
	var layers bool
	cmd := &cobra.Command{
		Use:   "images",
		Short: "List tags recorded by builds and the layouts that hold them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := registry.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REFERENCE\tDIGEST\tSIZE\tLAYOUT\tUPDATED")
			summaries := make([]buildkit.ImageSummary, len(records))
			for i, rec := range records {
				size := "-"
				if sum, err := buildkit.SummarizeLayout(rec.LayoutPath, rec.Reference); err == nil {
					summaries[i] = sum
					size = humanize.Bytes(uint64(sum.Size()))
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.Reference, shortKey(rec.Digest), size, rec.LayoutPath, humanize.Time(rec.UpdatedAt))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if !layers {
				return nil
			}
			for i, rec := range records {
				if len(summaries[i].Layers) == 0 {
					continue
				}
				fmt.Fprintf(out, "\n%s:\n", rec.Reference)
				for _, l := range summaries[i].Layers {
					fmt.Fprintf(out, "  %s %s %s\n", shortKey(l.Digest), runewidth.FillLeft(humanize.Bytes(uint64(l.Size)), 9), firstLine(l.CreatedBy))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&layers, "layers", false, "Also list the layers of each image")
	return cmd
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
