package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentstation/promptdag"
)

var (
	// Global flags.
	verbose      bool
	settingsPath string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "promptdag",
	Short: "Work with prompt-graph conversation files",
	Long: `Promptdag inspects and manipulates conversations stored as directed
acyclic graphs of prompt nodes.

Validate snapshot files, merge graphs, and preview the exact context
payload a node would send to a model.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "", "Path to a YAML settings file")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadSettings reads the --settings file, or the defaults when unset.
func loadSettings() (promptdag.Settings, error) {
	if settingsPath == "" {
		return promptdag.DefaultSettings(), nil
	}
	return promptdag.LoadSettings(settingsPath)
}

// loadGraph reads a snapshot file, reporting load warnings on stderr.
func loadGraph(path string) (*promptdag.Graph, error) {
	g, warnings, err := promptdag.LoadFile(path)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "warning: %s: %s\n", path, w)
	}
	return g, nil
}
