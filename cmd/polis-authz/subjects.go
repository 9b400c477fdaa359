package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSubjectsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subjects",
		Short: "List the subjects, actions, objects and roles named by a policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, engine, err := localAuthorizer(cmd, loggerFromFlags(cmd))
			if err != nil {
				return err
			}
			if engine == nil {
				return fmt.Errorf("installed engine does not support introspection")
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "subjects: %s\n", strings.Join(engine.Subjects(), ", "))
			fmt.Fprintf(out, "actions: %s\n", strings.Join(engine.Actions(), ", "))
			fmt.Fprintf(out, "objects: %s\n", strings.Join(engine.Objects(), ", "))
			fmt.Fprintf(out, "roles: %s\n", strings.Join(engine.Roles(), ", "))
			return nil
		},
	}

	cmd.Flags().String("model", "", "Path to the model document (YAML)")
	cmd.Flags().String("policy", "", "Path to the policy rows (CSV)")
	return cmd
}
