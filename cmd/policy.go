package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/clearstake/attest-engine/internal/model"
)

var (
	policyFile      string
	policyPrincipal string
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage per-asset-type verification policies",
}

// -- policy apply --

var policyApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply policies from a YAML file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		data, err := os.ReadFile(policyFile)
		if err != nil {
			return eris.Wrap(err, "policy apply: read file")
		}

		var policies []model.AssetTypePolicy
		if err := yaml.Unmarshal(data, &policies); err != nil {
			return eris.Wrap(err, "policy apply: parse yaml")
		}
		if len(policies) == 0 {
			return eris.New("policy apply: file contains no policies")
		}

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		for _, p := range policies {
			if err := env.Policies.SetPolicy(ctx, policyPrincipal, p); err != nil {
				return eris.Wrapf(err, "policy apply: %s", p.AssetType)
			}
		}

		zap.L().Info("policies applied",
			zap.Int("count", len(policies)),
			zap.String("file", policyFile),
		)
		return nil
	},
}

// -- policy get --

var policyGetCmd = &cobra.Command{
	Use:   "get <asset-type>",
	Short: "Show the active policy for an asset type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := env.Policies.GetPolicy(model.AssetType(args[0]))
		if err != nil {
			return eris.Wrap(err, "policy get")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	},
}

// -- policy list --

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active policies",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		policies := env.Policies.ListPolicies()
		if len(policies) == 0 {
			fmt.Fprintln(os.Stderr, "No policies configured.")
			return nil
		}

		formatPolicyList(os.Stdout, policies)
		return nil
	},
}

func init() {
	policyApplyCmd.Flags().StringVarP(&policyFile, "file", "f", "", "path to policy YAML file (required)")
	_ = policyApplyCmd.MarkFlagRequired("file")

	policyCmd.PersistentFlags().StringVar(&policyPrincipal, "principal", "", "acting principal for authorization")

	policyCmd.AddCommand(policyApplyCmd)
	policyCmd.AddCommand(policyGetCmd)
	policyCmd.AddCommand(policyListCmd)
	rootCmd.AddCommand(policyCmd)
}

// formatPolicyList writes a tabular list of policies to w.
func formatPolicyList(out io.Writer, policies []model.AssetTypePolicy) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ASSET_TYPE\tVER\tMIN_SCORE\tQUORUM\tWINDOW\tMANUAL_REVIEW")
	_, _ = fmt.Fprintln(w, "----------\t---\t---------\t------\t------\t-------------")

	for _, p := range policies {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%t\n",
			p.AssetType,
			p.Version,
			p.MinScoreBps,
			p.RequiredAttestorCount,
			p.ValidityWindow(),
			p.ManualReviewRequired,
		)
	}
	_ = w.Flush()
}
