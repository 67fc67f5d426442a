package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file.json>",
	Short: "Check a graph file for structural violations",
	Long: `Validate loads a graph snapshot and reports every structural
violation found: dangling links, cycles, duplicate names, duplicate
parallel links, and nodes whose input lists disagree with the links.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := loadGraph(args[0])
		if err != nil {
			return err
		}

		violations := g.Validate()
		for _, v := range violations {
			fmt.Println(v)
		}
		if len(violations) > 0 {
			return fmt.Errorf("%d violation(s) found", len(violations))
		}

		if verbose {
			fmt.Printf("%s: %d nodes, %d links, ok\n", args[0], g.NodeCount(), g.LinkCount())
		} else {
			fmt.Println("ok")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
