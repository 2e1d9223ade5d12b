package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Abraxas-365/craftable/errx"
	"github.com/Abraxas-365/relayflow/flow"
	"github.com/spf13/cobra"
)

func newValidateCommand(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check flow definitions and report every issue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				if !validateFile(out, path) {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d flows are invalid", failed, len(args))
			}
			return nil
		},
	}
}

// validateFile prints the result for one file and reports whether it passed.
func validateFile(out io.Writer, path string) bool {
	data, err := readDefinition(path)
	if err != nil {
		fmt.Fprintf(out, "❌ %s: %v\n", path, err)
		return false
	}

	g, issues, err := flow.Inspect(data)
	if err != nil {
		fmt.Fprintf(out, "❌ %s: %v\n", path, err)
		return false
	}
	if len(issues) > 0 {
		fmt.Fprintf(out, "❌ %s (%s v%d): %d issues\n", path, g.ID, g.Version, len(issues))
		for _, issue := range issues {
			fmt.Fprintf(out, "   - %s\n", issue)
		}
		return false
	}

	fmt.Fprintf(out, "✅ %s (%s v%d): %d nodes\n", path, g.ID, g.Version, len(g.Nodes))
	return true
}

// readDefinition loads a JSON or YAML definition as JSON.
func readDefinition(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errx.Wrap(err, "failed to read flow file", errx.TypeValidation).WithDetail("path", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return flow.YAMLToJSON(data)
	}
	return data, nil
}
