package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/tradewatch/internal/watch"
)

const clientTimeout = 10 * time.Second

// getJSON fetches path from the server into v.
func getJSON(ctx context.Context, opts *RootOptions, path string, v any) error {
	u, err := url.JoinPath(strings.TrimRight(opts.Server, "/"), path)
	if err != nil {
		return fmt.Errorf("build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.Token)
	}

	resp, err := (&http.Client{Timeout: clientTimeout}).Do(req) //nolint:gosec // server comes from the operator's flags
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("get %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "stats",
		Short:        "Show ledger and correlation table counts of a running server",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st watch.Stats
			if err := getJSON(cmd.Context(), opts, "/api/v1/stats", &st); err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), opts, st, func(w io.Writer) error {
				fmt.Fprintf(w, "handled=%d in_flight=%d alerted=%d pending=%d bound=%d\n",
					st.Ledger.Handled, st.Ledger.InFlight, st.Ledger.Alerted, st.Pending, st.Bound)
				for _, l := range st.Lanes {
					fmt.Fprintf(w, "  lane %s: %d pending\n", l.Lane, l.Pending)
				}
				return nil
			})
		},
	}
}

// NewSubjectCommand creates the subject command.
func NewSubjectCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "subject <subject-id>",
		Short:        "Show the ledger status and latest resolution of a subject",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var v watch.SubjectView
			if err := getJSON(cmd.Context(), opts, "/api/v1/subjects/"+url.PathEscape(args[0]), &v); err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), opts, v, func(w io.Writer) error {
				fmt.Fprintf(w, "subject %s: %s\n", v.SubjectID, v.Ledger)
				if v.Pending != nil {
					fmt.Fprintf(w, "  pending on %s since %s\n", v.Pending.Lane, v.Pending.DispatchedAt.Format(time.RFC3339))
				}
				if r := v.Resolution; r != nil {
					fmt.Fprintf(w, "  run %s: state=%s outcome=%s reason=%q external_id=%s valuation=%d\n",
						r.ID, r.State, r.Outcome, r.Reason, r.ExternalID, r.Valuation)
				}
				return nil
			})
		},
	}
}
