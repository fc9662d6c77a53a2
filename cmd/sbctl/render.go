package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"

	"github.com/example/sbctl/internal/recipe"
	"github.com/example/sbctl/internal/workflows/buildsvc"
)

var errRenderDrift = errors.New("context files differ from the rendered recipe")

func newRenderCommand(state *rootState) *cobra.Command {
	var (
		recipePath string
		write      bool
		check      bool
		ignoreFile bool
	)
	cmd := &cobra.Command{
		Use:   "render [CONTEXT]",
		Short: "Print the Dockerfile the recipe renders to",
		Long: `Render prints the Dockerfile equivalent of the recipe. With --write it replaces
the context's Dockerfile and .dockerignore; with --check it prints a unified
diff against them and fails when they differ.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextDir := contextArg(args)
			r, path, err := buildsvc.LoadRecipe(contextDir, recipePath)
			if err != nil {
				return err
			}
			if err := r.Validate(); err != nil {
				return fmt.Errorf("invalid recipe: %w", err)
			}
			if path != "" {
				state.logger.V(1).Info("recipe loaded", "path", path)
			}
			df, ignore, err := renderRecipe(r)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			dfPath := filepath.Join(contextDir, "Dockerfile")
			ignorePath := filepath.Join(contextDir, ".dockerignore")
			switch {
			case check:
				drift := false
				for _, pair := range [][2]string{{dfPath, df}, {ignorePath, ignore}} {
					current, err := os.ReadFile(pair[0])
					if err != nil && !errors.Is(err, os.ErrNotExist) {
						return err
					}
					if diff := unifiedDiff(pair[0], string(current), pair[1]); diff != "" {
						drift = true
						fmt.Fprint(out, diff)
					}
				}
				if drift {
					return errRenderDrift
				}
				fmt.Fprintln(out, "Dockerfile and .dockerignore match the recipe")
				return nil
			case write:
				if err := os.WriteFile(dfPath, []byte(df), 0o644); err != nil {
					return err
				}
				if err := os.WriteFile(ignorePath, []byte(ignore), 0o644); err != nil {
					return err
				}
				fmt.Fprintf(out, "Wrote %s and %s\n", dfPath, ignorePath)
				return nil
			case ignoreFile:
				fmt.Fprint(out, ignore)
				return nil
			}
			fmt.Fprint(out, df)
			return nil
		},
	}
	cmd.Flags().StringVar(&recipePath, "recipe", "", "Recipe file (defaults to sbctl.yaml in the context, then the built-in recipe)")
	cmd.Flags().BoolVar(&write, "write", false, "Write Dockerfile and .dockerignore into the context")
	cmd.Flags().BoolVar(&check, "check", false, "Fail with a diff when the context Dockerfile or .dockerignore differ from the recipe")
	cmd.Flags().BoolVar(&ignoreFile, "dockerignore", false, "Print the .dockerignore instead of the Dockerfile")
	cmd.MarkFlagsMutuallyExclusive("write", "check")
	return cmd
}

func renderRecipe(r recipe.Recipe) (string, string, error) {
	df, err := r.Dockerfile()
	if err != nil {
		return "", "", err
	}
	var ignore bytes.Buffer
	if err := r.RenderDockerignore(&ignore); err != nil {
		return "", "", err
	}
	return df, ignore.String(), nil
}

func unifiedDiff(path, before, after string) string {
	if before == after {
		return ""
	}
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: path + " (current)",
		ToFile:   path + " (rendered)",
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return ""
	}
	return text
}

func contextArg(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return "."
}
