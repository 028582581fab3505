// cmd/tools/agent-registry/main.go
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"gtm-agents/internal/agents"
	"gtm-agents/pkg/registry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agent-registry",
		Short:         "Export and validate the agent catalogue",
		SilenceUsage:  true,
	}
	root.AddCommand(newExportCmd(), newValidateCmd())
	return root
}

func newExportCmd() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the catalogue built from the agent definitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat := agents.Catalog(agents.All(), time.Now())
			if out == "" || out == "-" {
				data, err := registry.Encode(cat, format)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := registry.Save(cat, out, format); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d agents to %s\n", len(cat.Agents), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "output format: json or yaml")
	cmd.Flags().StringVar(&out, "out", "", "output path (stdout when empty)")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Report drift between a catalogue file and the agent definitions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stored, err := registry.Load(path)
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), stored, agents.Catalog(agents.All(), time.Now()))
		},
	}
	cmd.Flags().StringVar(&path, "path", "configs/agent-registry.json", "catalogue file to check")
	return cmd
}

func report(w io.Writer, stored, code *registry.Catalog) error {
	issues := registry.Drift(stored, code)
	if len(issues) == 0 {
		fmt.Fprintf(w, "Catalogue is in sync (%d agents)\n", len(code.Agents))
		return nil
	}
	for _, issue := range issues {
		fmt.Fprintf(w, "✗ %s\n", issue)
	}
	return fmt.Errorf("%d catalogue issues found", len(issues))
}
