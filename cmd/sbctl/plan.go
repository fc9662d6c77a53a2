package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/spf13/cobra"

	"github.com/example/sbctl/internal/layerstore"
	"github.com/example/sbctl/internal/pipeline"
	"github.com/example/sbctl/internal/workflows/buildsvc"
)

type planRow struct {
	Step   string `json:"step"`
	Stage  string `json:"stage"`
	Cached bool   `json:"cached"`
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

type planOutput struct {
	Recipe string    `json:"recipe"`
	Base   string    `json:"base"`
	Misses int       `json:"misses"`
	Steps  []planRow `json:"steps"`
}

func newPlanCommand(state *rootState) *cobra.Command {
	var (
		recipePath string
		cacheDir   string
		platform   string
		noCache    bool
		format     string
	)
	cmd := &cobra.Command{
		Use:   "plan [CONTEXT]",
		Short: "Show which layers a layered build will reuse",
		Long: `Plan resolves the base image, snapshots the build context and computes every
layer key without executing anything. Each step is reported as a cache hit or
a miss, with the inputs that changed since the last successful build.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validatePlatform(platform); err != nil {
				return err
			}
			contextDir, err := filepath.Abs(contextArg(args))
			if err != nil {
				return err
			}
			r, _, err := buildsvc.LoadRecipe(contextDir, recipePath)
			if err != nil {
				return err
			}
			if cacheDir == "" {
				cacheDir = layerstore.DefaultDir()
			}
			store, err := layerstore.Open(cacheDir)
			if err != nil {
				return fmt.Errorf("open build cache: %w", err)
			}
			defer store.Close()

			var p *v1.Platform
			if platform != "" {
				if p, err = v1.ParsePlatform(platform); err != nil {
					return fmt.Errorf("parse platform %q: %w", platform, err)
				}
			}
			bases := state.deps.Bases
			if bases == nil {
				bases = &pipeline.RegistryBases{Platform: p, CacheDir: filepath.Join(store.Root(), "bases")}
			}
			engine := &pipeline.Engine{Store: store, Bases: bases, Logger: state.logger, Platform: p}
			plan, err := engine.Plan(cmd.Context(), r, pipeline.Inputs{ContextDir: contextDir, NoCache: noCache})
			if err != nil {
				return err
			}
			return writePlan(cmd.OutOrStdout(), format, toPlanOutput(plan))
		},
	}
	cmd.Flags().StringVar(&recipePath, "recipe", "", "Recipe file (defaults to sbctl.yaml in the context, then the built-in recipe)")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "Layer cache directory (defaults to the user cache dir)")
	cmd.Flags().StringVar(&platform, "platform", "", "Platform of the base image, e.g. linux/amd64")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Plan as if the cache were empty")
	cmd.Flags().StringVarP(&format, "output", "o", "table", "Output format (table, json)")
	return cmd
}

func toPlanOutput(plan *pipeline.Plan) planOutput {
	out := planOutput{Recipe: plan.Recipe.Name, Base: plan.BaseRef, Misses: plan.Misses()}
	for _, ps := range plan.Steps {
		out.Steps = append(out.Steps, planRow{
			Step:   ps.Step.Name,
			Stage:  string(ps.Step.Stage),
			Cached: ps.Cached,
			Key:    ps.Key.String(),
			Reason: ps.Reason,
		})
	}
	return out
}

func writePlan(w io.Writer, format string, out planOutput) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case "", "table":
	default:
		return fmt.Errorf("unsupported output %q (expected table or json)", format)
	}
	fmt.Fprintf(w, "Recipe %s on %s\n", out.Recipe, out.Base)
	hit := color.New(color.FgGreen)
	miss := color.New(color.FgYellow, color.Bold)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTEP\tCACHE\tKEY\tREASON")
	for _, row := range out.Steps {
		verdict := miss.Sprint("MISS")
		if row.Cached {
			verdict = hit.Sprint("HIT")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", row.Stage, row.Step, verdict, shortKey(row.Key), row.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d of %d layer(s) will be rebuilt\n", out.Misses, len(out.Steps))
	return nil
}

func shortKey(key string) string {
	if _, hex, ok := strings.Cut(key, ":"); ok && len(hex) > 12 {
		return hex[:12]
	}
	return key
}
