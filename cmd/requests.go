package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clearstake/attest-engine/internal/anchor"
	"github.com/clearstake/attest-engine/internal/model"
	"github.com/clearstake/attest-engine/internal/resilience"
	"github.com/clearstake/attest-engine/internal/store"
)

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "Inspect finalized verification requests",
}

// -- requests list --

var requestsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List finalized requests",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		assetID, _ := cmd.Flags().GetString("asset")
		assetType, _ := cmd.Flags().GetString("asset-type")
		limit, _ := cmd.Flags().GetInt("limit")

		reqs, err := st.ListFinalizedRequests(ctx, store.RequestFilter{
			Status:    model.RequestStatus(status),
			AssetID:   assetID,
			AssetType: model.AssetType(assetType),
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "requests list")
		}

		if len(reqs) == 0 {
			fmt.Fprintln(os.Stderr, "No finalized requests found.")
			return nil
		}

		formatRequestList(os.Stdout, reqs)
		return nil
	},
}

// -- requests show --

var requestsShowCmd = &cobra.Command{
	Use:   "show <request-id>",
	Short: "Show full details of a finalized request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		req, err := st.GetFinalizedRequest(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "requests show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(req)
	},
}

// -- requests reanchor --

var reanchorConcurrency int

var requestsReanchorCmd = &cobra.Command{
	Use:   "reanchor",
	Short: "Retry anchoring for dead-lettered outcomes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if cfg.Anchor.Endpoint == "" {
			return eris.New("requests reanchor: anchor endpoint is not configured (ATTEST_ANCHOR_ENDPOINT)")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		dead, err := st.ListDeadAnchors(ctx, 1000)
		if err != nil {
			return eris.Wrap(err, "requests reanchor")
		}
		if len(dead) == 0 {
			fmt.Fprintln(os.Stderr, "No dead-lettered anchors.")
			return nil
		}

		anchorer := anchor.NewHTTPAnchorer(cfg.Anchor.Endpoint, cfg.Anchor.APIKey)
		retry := resilience.DefaultRetryConfig()
		if cfg.Anchor.MaxAttempts > 0 {
			retry.MaxAttempts = cfg.Anchor.MaxAttempts
		}

		var anchored int
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(reanchorConcurrency)
		for _, d := range dead {
			g.Go(func() error {
				req, err := st.GetFinalizedRequest(gctx, d.RequestID)
				if err != nil {
					return eris.Wrapf(err, "load %s", d.RequestID)
				}

				ref, err := resilience.DoVal(gctx, retry, func(ctx context.Context) (string, error) {
					return anchorer.Anchor(ctx, req)
				})
				if err != nil {
					zap.L().Warn("reanchor still failing",
						zap.String("request_id", d.RequestID),
						zap.Error(err),
					)
					return nil
				}

				if err := st.MarkAnchored(gctx, d.RequestID, ref, time.Now().UTC()); err != nil {
					return eris.Wrapf(err, "mark anchored %s", d.RequestID)
				}
				mu.Lock()
				anchored++
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return eris.Wrap(err, "requests reanchor")
		}

		zap.L().Info("reanchor complete",
			zap.Int("anchored", anchored),
			zap.Int("remaining", len(dead)-anchored),
		)
		return nil
	},
}

func init() {
	requestsListCmd.Flags().String("status", "", "filter by status (approved, rejected, expired)")
	requestsListCmd.Flags().String("asset", "", "filter by asset ID")
	requestsListCmd.Flags().String("asset-type", "", "filter by asset type")
	requestsListCmd.Flags().Int("limit", 50, "max number of requests to display")

	requestsReanchorCmd.Flags().IntVar(&reanchorConcurrency, "concurrency", 4, "parallel anchor submissions")

	requestsCmd.AddCommand(requestsListCmd)
	requestsCmd.AddCommand(requestsShowCmd)
	requestsCmd.AddCommand(requestsReanchorCmd)
	rootCmd.AddCommand(requestsCmd)
}

// formatRequestList writes a tabular list of finalized requests to w.
func formatRequestList(out io.Writer, reqs []model.VerificationRequest) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tASSET\tTYPE\tSTATUS\tSCORE\tATTESTATIONS\tFINALIZED")
	_, _ = fmt.Fprintln(w, "--\t-----\t----\t------\t-----\t------------\t---------")

	for _, r := range reqs {
		finalized := ""
		if r.FinalizedAt != nil {
			finalized = r.FinalizedAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			truncateID(r.ID),
			r.AssetID,
			r.AssetType,
			r.Status,
			r.CombinedScoreBps,
			len(r.Attestations),
			finalized,
		)
	}
	_ = w.Flush()
}
