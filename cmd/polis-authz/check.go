package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-authz/pkg/domain"
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check sub,act,obj [sub,act,obj ...]",
		Short: "Evaluate one or more requests",
		Long: `Evaluate requests against a model and policy.

Without a mode flag every request is checked on its own and printed with its
verdict. --any and --all print a single verdict for the whole list; --filter
prints only the allowed requests.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runCheck,
	}

	cmd.Flags().String("model", "", "Path to the model document (YAML)")
	cmd.Flags().String("policy", "", "Path to the policy rows (CSV)")
	cmd.Flags().Bool("any", false, "Print whether any request is allowed")
	cmd.Flags().Bool("all", false, "Print whether every request is allowed")
	cmd.Flags().Bool("filter", false, "Print the allowed requests")
	cmd.MarkFlagsMutuallyExclusive("any", "all", "filter")

	return cmd
}

func runCheck(cmd *cobra.Command, args []string) error {
	logger := loggerFromFlags(cmd)

	reqs := make([]domain.Request, 0, len(args))
	for _, arg := range args {
		req, err := parseRequest(arg)
		if err != nil {
			return err
		}
		reqs = append(reqs, req)
	}

	a, _, err := localAuthorizer(cmd, logger)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	anyMode, _ := cmd.Flags().GetBool("any")
	allMode, _ := cmd.Flags().GetBool("all")
	filterMode, _ := cmd.Flags().GetBool("filter")

	switch {
	case anyMode:
		allowed, err := a.CanAny(ctx, reqs)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, verdictLabel(allowed))
	case allMode:
		allowed, err := a.CanAll(ctx, reqs)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, verdictLabel(allowed))
	case filterMode:
		permitted, err := a.FilterByCan(ctx, reqs)
		if err != nil {
			return err
		}
		for _, req := range permitted {
			fmt.Fprintln(out, formatRequest(req))
		}
	default:
		for _, req := range reqs {
			allowed, err := a.Can(ctx, req)
			if err != nil {
				return fmt.Errorf("%s: %w", formatRequest(req), err)
			}
			fmt.Fprintf(out, "%s\t%s\n", formatRequest(req), verdictLabel(allowed))
		}
	}
	return nil
}

func verdictLabel(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}
