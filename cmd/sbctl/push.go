// push.go implements 'sbctl push', uploading an image recorded by a build to
// its registry.
package main

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/spf13/cobra"

	"github.com/example/sbctl/internal/dockerconfig"
	"github.com/example/sbctl/pkg/registry"
)

func newPushCommand(state *rootState) *cobra.Command {
	var (
		dest     string
		allTags  bool
		authfile string
	)

	cmd := &cobra.Command{
		Use:   "push IMAGE[:TAG]",
		Short: "Push an image built by sbctl to its registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if authfile != "" {
				if err := dockerconfig.UseAuthfile(authfile); err != nil {
					return err
				}
			}
			client := state.deps.Registry
			if client == nil {
				client = registry.NewClient()
			}
			opts := registry.PushOptions{Destination: dest, Output: cmd.ErrOrStderr()}
			targets := []string{args[0]}
			if allTags {
				if dest != "" {
					return fmt.Errorf("--to cannot be combined with --all-tags")
				}
				var err error
				if targets, err = tagsForRepository(args[0]); err != nil {
					return err
				}
				if len(targets) == 0 {
					return fmt.Errorf("no built tags recorded for %s", args[0])
				}
			}
			for _, target := range targets {
				pushed, err := client.PushReference(cmd.Context(), target, opts)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), pushed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dest, "to", "", "Push to this reference instead of the one the image was built as")
	cmd.Flags().BoolVar(&allTags, "all-tags", false, "Push every recorded tag of the repository")
	cmd.Flags().StringVar(&authfile, "authfile", "", "Docker config.json with registry credentials")
	return cmd
}

func repositoryFrom(value string) (string, error) {
	ref, err := name.ParseReference(value)
	if err != nil {
		return "", err
	}
	return ref.Context().Name(), nil
}

func tagsForRepository(value string) ([]string, error) {
	repo, err := repositoryFrom(value)
	if err != nil {
		return nil, err
	}
	records, err := registry.List()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rec := range records {
		if r, err := repositoryFrom(rec.Reference); err == nil && r == repo {
			out = append(out, rec.Reference)
		}
	}
	return out, nil
}
