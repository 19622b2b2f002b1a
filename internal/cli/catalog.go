package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/tradewatch/internal/catalog"
	"github.com/linnemanlabs/tradewatch/internal/match"
)

// loadCatalog builds a one-off catalog snapshot from the configured source.
func loadCatalog(ctx context.Context, opts *RootOptions) (*catalog.Catalog, error) {
	var src catalog.Source = catalog.NewHTTPSource(opts.CatalogURL)
	if opts.CatalogFile != "" {
		src = catalog.FileSource{Path: opts.CatalogFile}
	}
	c := catalog.New(catalog.DefaultBlacklist)
	if _, err := c.RefreshFrom(ctx, src); err != nil {
		return nil, err
	}
	return c, nil
}

type matchResult struct {
	Query string         `json:"query"`
	Found bool           `json:"found"`
	Entry *catalog.Entry `json:"entry,omitempty"`
	Value int64          `json:"value,omitempty"`
	Above bool           `json:"above_threshold"`
}

// NewMatchCommand creates the match command.
func NewMatchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "match <name>...",
		Short:        "Resolve item names against the catalog",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadCatalog(cmd.Context(), opts)
			if err != nil {
				return err
			}
			m := match.New(c, opts.Threshold)

			results := make([]matchResult, 0, len(args))
			for _, q := range args {
				r := matchResult{Query: q}
				if e, ok := m.MatchOne(q); ok {
					r.Found, r.Entry, r.Value = true, &e, e.Value()
					r.Above = r.Value >= opts.Threshold
				}
				results = append(results, r)
			}
			return output(cmd.OutOrStdout(), opts, results, func(w io.Writer) error {
				for _, r := range results {
					if !r.Found {
						fmt.Fprintf(w, "%q: no match\n", r.Query)
						continue
					}
					fmt.Fprintf(w, "%q: %s [%s] id=%s value=%d above=%v\n",
						r.Query, r.Entry.Name, r.Entry.Code, r.Entry.ID, r.Value, r.Above)
				}
				return nil
			})
		},
	}
}

// NewMentionsCommand creates the mentions command.
func NewMentionsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "mentions <text>",
		Short:        "Scan free text for catalog codes and names",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadCatalog(cmd.Context(), opts)
			if err != nil {
				return err
			}
			mentions := match.New(c, opts.Threshold).FindAllMentions(strings.Join(args, " "))
			return output(cmd.OutOrStdout(), opts, mentions, func(w io.Writer) error {
				for _, part := range []struct {
					label string
					items []match.Item
				}{{"above", mentions.Above}, {"below", mentions.Below}} {
					fmt.Fprintf(w, "%s threshold: %d\n", part.label, len(part.items))
					for _, it := range part.items {
						fmt.Fprintf(w, "  %s [%s] id=%s value=%d (as %q)\n", it.Name, it.Code, it.ID, it.Value, it.DetectedAs)
					}
				}
				return nil
			})
		},
	}
}

// NewBlacklistCommand creates the blacklist command.
func NewBlacklistCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "blacklist",
		Short:        "Show the effective code blacklist for the current catalog",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadCatalog(cmd.Context(), opts)
			if err != nil {
				return err
			}
			snap := c.Snapshot()
			out := map[string]any{
				"version":    snap.Version(),
				"entries":    snap.Len(),
				"collisions": snap.Collisions(),
				"blacklist":  snap.Blacklist(),
				"preserved":  snap.Preserved(),
			}
			return output(cmd.OutOrStdout(), opts, out, func(w io.Writer) error {
				fmt.Fprintf(w, "entries=%d collisions=%d\n", snap.Len(), snap.Collisions())
				fmt.Fprintf(w, "blacklist (%d): %s\n", len(snap.Blacklist()), strings.Join(snap.Blacklist(), " "))
				fmt.Fprintf(w, "preserved live codes (%d): %s\n", len(snap.Preserved()), strings.Join(snap.Preserved(), " "))
				return nil
			})
		},
	}
}

// NewNormalizeCommand creates the normalize command.
func NewNormalizeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "normalize <name>...",
		Short:        "Print the normalized form of each name",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := make(map[string]string, len(args))
			for _, a := range args {
				out[a] = catalog.Normalize(a)
			}
			return output(cmd.OutOrStdout(), opts, out, func(w io.Writer) error {
				for _, a := range args {
					fmt.Fprintf(w, "%q -> %q (%d words)\n", a, out[a], catalog.WordCount(out[a]))
				}
				return nil
			})
		},
	}
}
