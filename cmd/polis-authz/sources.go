package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-authz/pkg/authz"
	"github.com/polisai/polis-authz/pkg/config"
	"github.com/polisai/polis-authz/pkg/domain"
	"github.com/polisai/polis-authz/pkg/logging"
	"github.com/polisai/polis-authz/pkg/policy"
)

// loadDocuments reads the model and the CSV policy described by the two
// source descriptors.
func loadDocuments(modelDesc, policyDesc config.SourceDescriptor) ([]byte, domain.Policy, error) {
	model, err := config.LoadSource(modelDesc)
	if err != nil {
		return nil, nil, fmt.Errorf("model: %w", err)
	}
	src, err := config.LoadSource(policyDesc)
	if err != nil {
		return nil, nil, fmt.Errorf("policy: %w", err)
	}
	rows, err := policy.ParseCSV(string(src.Data))
	if err != nil {
		return nil, nil, fmt.Errorf("policy %s: %w", src.Path, err)
	}
	return model.Data, rows, nil
}

// parseRequest turns "cat,walk,ground" into a request. Fields are trimmed.
func parseRequest(arg string) (domain.Request, error) {
	if strings.TrimSpace(arg) == "" {
		return nil, fmt.Errorf("empty request")
	}
	parts := strings.Split(arg, ",")
	req := make(domain.Request, len(parts))
	for i, part := range parts {
		req[i] = strings.TrimSpace(part)
	}
	return req, nil
}

func formatRequest(req domain.Request) string {
	parts := make([]string, len(req))
	for i, v := range req {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ",")
}

// loggerFromFlags builds the CLI logger from the persistent flags. Logs go to
// stderr so command output stays machine readable.
func loggerFromFlags(cmd *cobra.Command) *slog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	pretty, _ := cmd.Flags().GetBool("pretty")
	return logging.NewLogger(logging.Config{
		Level:  level,
		Pretty: pretty,
		Output: cmd.ErrOrStderr(),
	})
}

// localAuthorizer builds an authorizer initialised from the --model and
// --policy flags of cmd.
func localAuthorizer(cmd *cobra.Command, logger *slog.Logger) (*authz.Authorizer, *policy.Engine, error) {
	modelPath, _ := cmd.Flags().GetString("model")
	policyPath, _ := cmd.Flags().GetString("policy")
	if modelPath == "" || policyPath == "" {
		return nil, nil, fmt.Errorf("--model and --policy are required")
	}

	model, rows, err := loadDocuments(
		config.SourceDescriptor{Path: modelPath},
		config.SourceDescriptor{Path: policyPath},
	)
	if err != nil {
		return nil, nil, err
	}

	a := authz.New(authz.Config{
		Builder: policy.NewBuilder(policy.BuilderOptions{Logger: logger}),
		Logger:  logger,
	})
	if err := a.Init(cmd.Context(), model, rows); err != nil {
		return nil, nil, err
	}

	engine, _ := a.Engine().(*policy.Engine)
	return a, engine, nil
}
