package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/example/sbctl/internal/dockerlint"
)

func newLintCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "lint [DOCKERFILE]",
		Short: "Check a Dockerfile for cache-breaking instruction order",
		Long: `Lint reports a source copy ahead of the dependency install, an install that
shares a COPY with the source tree, and other ordering problems that defeat
layer caching. Pass - to read the Dockerfile from stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "Dockerfile"
			if len(args) > 0 {
				path = args[0]
			}
			var in io.Reader = cmd.InOrStdin()
			if path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			findings, err := dockerlint.Lint(in)
			if err != nil {
				return err
			}
			if err := writeFindings(cmd.OutOrStdout(), path, format, findings); err != nil {
				return err
			}
			if dockerlint.HasErrors(findings) {
				return fmt.Errorf("%s: %d finding(s), cache ordering is broken", path, len(findings))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "text", "Output format (text, json)")
	return cmd
}

func writeFindings(w io.Writer, path, format string, findings []dockerlint.Finding) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		if findings == nil {
			findings = []dockerlint.Finding{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(findings)
	case "", "text":
	default:
		return fmt.Errorf("unsupported output %q (expected text or json)", format)
	}
	if len(findings) == 0 {
		fmt.Fprintf(w, "%s: no findings\n", path)
		return nil
	}
	errColor := color.New(color.FgRed, color.Bold)
	warnColor := color.New(color.FgYellow)
	for _, f := range findings {
		sev := string(f.Severity)
		switch f.Severity {
		case dockerlint.SeverityError:
			sev = errColor.Sprint(sev)
		case dockerlint.SeverityWarning:
			sev = warnColor.Sprint(sev)
		}
		fmt.Fprintf(w, "%s:%d: %s [%s] %s\n", path, f.Line, sev, f.Rule, f.Message)
	}
	return nil
}
