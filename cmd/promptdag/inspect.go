package main

import (
	"fmt"
	"os"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file.json> [jsonpath]",
	Short: "Query a graph file with a JSONPath expression",
	Long: `Inspect prints the raw snapshot document, or the part of it selected
by a JSONPath expression.

Examples:
  promptdag inspect chat.json
  promptdag inspect chat.json '$.nodes[*].name'
  promptdag inspect chat.json '$.links[?(@.source == "a1")]'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		doc, err := oj.Parse(data)
		if err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}

		if len(args) == 1 {
			fmt.Println(oj.JSON(doc, &oj.Options{Sort: true, Indent: 2}))
			return nil
		}

		expr, err := jp.ParseString(args[1])
		if err != nil {
			return fmt.Errorf("jsonpath %q: %w", args[1], err)
		}
		results := expr.Get(doc)
		if len(results) == 0 {
			return fmt.Errorf("no match for %q", args[1])
		}
		for _, r := range results {
			fmt.Println(oj.JSON(r, &oj.Options{Sort: true, Indent: 2}))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
