// Package cli implements tradewatchctl, the operator command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format      string // "json" | "text"
	CatalogURL  string
	CatalogFile string
	Threshold   int64
	Server      string
	Token       string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "tradewatchctl",
		Short: "Operator tools for tradewatch",
		Long:  "Probe the item catalog offline and query a running tradewatch server.",
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVar(&opts.CatalogURL, "catalog-url", "https://www.rolimons.com/itemapi/itemdetails", "item-details API URL")
	pf.StringVar(&opts.CatalogFile, "catalog-file", "", "read the catalog from a local file instead of catalog-url")
	pf.Int64Var(&opts.Threshold, "threshold", 100000, "alert value threshold")
	pf.StringVar(&opts.Server, "server", "http://localhost:8080", "tradewatch server base URL")
	pf.StringVar(&opts.Token, "token", os.Getenv("TRADEWATCH_API_TOKEN"), "API bearer token (default $TRADEWATCH_API_TOKEN)")

	cmd.AddCommand(NewMatchCommand(opts))
	cmd.AddCommand(NewMentionsCommand(opts))
	cmd.AddCommand(NewBlacklistCommand(opts))
	cmd.AddCommand(NewNormalizeCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewSubjectCommand(opts))

	return cmd
}

// output writes v as indented JSON, or calls text for the text format.
func output(w io.Writer, opts *RootOptions, v any, text func(io.Writer) error) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(w)
}
