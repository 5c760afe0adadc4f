package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/clearstake/attest-engine/internal/model"
	"github.com/clearstake/attest-engine/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status from the audit store",
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

		reqs, err := st.ListFinalizedRequests(ctx, store.RequestFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "status: list requests")
		}
		attestors, err := st.ListAttestors(ctx)
		if err != nil {
			return eris.Wrap(err, "status: list attestors")
		}
		deadAnchors, err := st.CountDeadAnchors(ctx)
		if err != nil {
			return eris.Wrap(err, "status: count dead anchors")
		}

		stats := computeEngineStats(reqs, attestors, deadAnchors)
		formatEngineStats(os.Stdout, stats)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// engineStats holds aggregate statistics computed from the audit store.
type engineStats struct {
	Finalized    int
	Approved     int
	Rejected     int
	Expired      int
	ApprovalRate float64
	AvgScoreBps  int

	Attestors     int
	Active        int
	AvgReputation float64
	TotalStaked   int64

	DeadAnchors int
}

// computeEngineStats aggregates finalized requests and attestor records.
func computeEngineStats(reqs []model.VerificationRequest, attestors []model.Attestor, deadAnchors int) engineStats {
	var s engineStats
	s.Finalized = len(reqs)
	s.DeadAnchors = deadAnchors

	var scoreSum int
	for _, r := range reqs {
		switch r.Status {
		case model.StatusApproved:
			s.Approved++
			scoreSum += r.CombinedScoreBps
		case model.StatusRejected:
			s.Rejected++
			scoreSum += r.CombinedScoreBps
		case model.StatusExpired:
			s.Expired++
		}
	}
	// Expired requests carry no consensus direction, so they are excluded
	// from the approval rate and mean score.
	decided := s.Approved + s.Rejected
	if decided > 0 {
		s.ApprovalRate = float64(s.Approved) / float64(decided)
		s.AvgScoreBps = scoreSum / decided
	}

	s.Attestors = len(attestors)
	var repSum float64
	for _, a := range attestors {
		if a.Active {
			s.Active++
		}
		repSum += a.ReputationScore
		s.TotalStaked += a.StakeAmount
	}
	if len(attestors) > 0 {
		s.AvgReputation = repSum / float64(len(attestors))
	}
	return s
}

// formatEngineStats writes aggregate stats to w.
func formatEngineStats(out io.Writer, s engineStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Finalized requests:\t%d\n", s.Finalized)
	_, _ = fmt.Fprintf(w, "  Approved:\t%d\n", s.Approved)
	_, _ = fmt.Fprintf(w, "  Rejected:\t%d\n", s.Rejected)
	_, _ = fmt.Fprintf(w, "  Expired:\t%d\n", s.Expired)
	if s.Approved+s.Rejected > 0 {
		_, _ = fmt.Fprintf(w, "Approval rate:\t%.1f%%\n", s.ApprovalRate*100)
		_, _ = fmt.Fprintf(w, "Avg combined score:\t%d bps\n", s.AvgScoreBps)
	}
	_, _ = fmt.Fprintf(w, "Attestors:\t%d (%d active)\n", s.Attestors, s.Active)
	if s.Attestors > 0 {
		_, _ = fmt.Fprintf(w, "Avg reputation:\t%.1f\n", s.AvgReputation)
		_, _ = fmt.Fprintf(w, "Total staked:\t%d\n", s.TotalStaked)
	}
	_, _ = fmt.Fprintf(w, "Dead-lettered anchors:\t%d\n", s.DeadAnchors)
	_ = w.Flush()
}
