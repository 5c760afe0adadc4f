package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clearstake/attest-engine/internal/model"
	"github.com/clearstake/attest-engine/internal/registry"
	"github.com/clearstake/attest-engine/internal/roster"
)

var attestorsPrincipal string

var attestorsCmd = &cobra.Command{
	Use:   "attestors",
	Short: "Manage the attestor registry",
}

// -- attestors register --

var (
	registerRegion      string
	registerSpecialties []string
	registerStake       int64
)

var attestorsRegisterCmd = &cobra.Command{
	Use:   "register <organization>",
	Short: "Register an attestor with a stake bond",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		specialties := make([]model.AssetType, 0, len(registerSpecialties))
		for _, s := range registerSpecialties {
			specialties = append(specialties, model.AssetType(s))
		}

		id, err := env.Registry.Register(ctx, attestorsPrincipal, registry.Candidate{
			OrganizationName: args[0],
			Region:           registerRegion,
			Specialties:      specialties,
		}, registerStake)
		if err != nil {
			return eris.Wrap(err, "attestors register")
		}

		fmt.Println(id)
		return nil
	},
}

// -- attestors deactivate --

var attestorsDeactivateCmd = &cobra.Command{
	Use:   "deactivate <attestor-id>",
	Short: "Deactivate an attestor (history is kept)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Registry.Deactivate(ctx, attestorsPrincipal, args[0]); err != nil {
			return eris.Wrap(err, "attestors deactivate")
		}
		return nil
	},
}

// -- attestors list --

var attestorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered attestors",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		attestors := env.Registry.List()
		if len(attestors) == 0 {
			fmt.Fprintln(os.Stderr, "No attestors registered.")
			return nil
		}

		formatAttestorList(os.Stdout, attestors)
		return nil
	},
}

// -- attestors import --

var importConcurrency int

var attestorsImportCmd = &cobra.Command{
	Use:   "import <roster.xlsx>",
	Short: "Bulk-register attestors from an XLSX roster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		entries, err := roster.Read(args[0], roster.Options{})
		if err != nil {
			return eris.Wrap(err, "attestors import")
		}

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var registered, skipped int
		var mu sync.Mutex

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(importConcurrency)
		for _, e := range entries {
			g.Go(func() error {
				_, err := env.Registry.Register(gctx, attestorsPrincipal, e.Candidate, e.StakeAmount)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					registered++
				case eris.Is(err, model.ErrDuplicateAttestor):
					// Re-importing a roster is expected to skip known rows.
					skipped++
					zap.L().Debug("roster row already registered",
						zap.String("organization", e.Candidate.OrganizationName))
				default:
					return eris.Wrapf(err, "register %s", e.Candidate.OrganizationName)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return eris.Wrap(err, "attestors import")
		}

		zap.L().Info("roster import complete",
			zap.Int("registered", registered),
			zap.Int("skipped", skipped),
			zap.String("roster", args[0]),
		)
		return nil
	},
}

func init() {
	attestorsRegisterCmd.Flags().StringVar(&registerRegion, "region", "", "attestor region")
	attestorsRegisterCmd.Flags().StringSliceVar(&registerSpecialties, "specialty", nil, "asset-type specialty (repeatable; empty = generalist)")
	attestorsRegisterCmd.Flags().Int64Var(&registerStake, "stake", 0, "stake bond in minor units (required)")
	_ = attestorsRegisterCmd.MarkFlagRequired("stake")

	attestorsImportCmd.Flags().IntVar(&importConcurrency, "concurrency", 4, "parallel registrations")

	attestorsCmd.PersistentFlags().StringVar(&attestorsPrincipal, "principal", "", "acting principal for authorization")

	attestorsCmd.AddCommand(attestorsRegisterCmd)
	attestorsCmd.AddCommand(attestorsDeactivateCmd)
	attestorsCmd.AddCommand(attestorsListCmd)
	attestorsCmd.AddCommand(attestorsImportCmd)
	rootCmd.AddCommand(attestorsCmd)
}

// formatAttestorList writes a tabular list of attestors to w.
func formatAttestorList(out io.Writer, attestors []model.Attestor) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tORGANIZATION\tREGION\tACTIVE\tREPUTATION\tSTAKE\tATTESTATIONS")
	_, _ = fmt.Fprintln(w, "--\t------------\t------\t------\t----------\t-----\t------------")

	for _, a := range attestors {
		org := a.OrganizationName
		if len(org) > 30 {
			org = org[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%.1f\t%d\t%d\n",
			truncateID(a.ID),
			org,
			a.Region,
			a.Active,
			a.ReputationScore,
			a.StakeAmount,
			a.TotalAttestations,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
