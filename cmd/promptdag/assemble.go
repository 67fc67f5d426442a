package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentstation/promptdag"
)

var (
	assembleLimit    int
	assembleSystem   string
	assembleSegments bool
)

var assembleCmd = &cobra.Command{
	Use:   "assemble <file.json> <node>",
	Short: "Print the payload a node would send to the model",
	Long: `Assemble builds the exact context payload for a node, the same way
the execution queue would: system prompt, ancestor history, referenced
outputs, and the node's own prompt, trimmed to the token budget.

The node may be given by id or by name.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := loadGraph(args[0])
		if err != nil {
			return err
		}

		node, ok := g.Node(args[1])
		if !ok {
			node, ok = g.NodeByName(args[1])
		}
		if !ok {
			return fmt.Errorf("no node with id or name %q", args[1])
		}

		settings, err := loadSettings()
		if err != nil {
			return err
		}

		opts := promptdag.AssembleOptions{
			GlobalTokenLimit:  settings.GlobalTokenLimit,
			SystemPrompt:      settings.SystemPrompt,
			DefaultTraceDepth: settings.DefaultTraceDepth,
		}
		if assembleLimit > 0 {
			opts.GlobalTokenLimit = assembleLimit
		}
		if assembleSystem != "" {
			opts.SystemPrompt = assembleSystem
		}

		payload, err := promptdag.Assemble(g, node.ID, opts)
		if err != nil {
			return err
		}

		for _, w := range payload.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}

		if assembleSegments {
			for _, seg := range payload.Segments {
				fmt.Printf("--- %s (%d tokens)\n%s\n", seg.Kind, seg.Tokens, seg.Text)
			}
		} else {
			fmt.Println(payload.Text)
		}

		if verbose {
			fmt.Fprintf(os.Stderr, "tokens: %d / %d\n", payload.Tokens, payload.TokenLimit)
			if payload.TruncatedTokens > 0 {
				fmt.Fprintf(os.Stderr, "truncated: %d token(s) of history\n", payload.TruncatedTokens)
			}
			if payload.Overflow {
				fmt.Fprintf(os.Stderr, "overflow: %d token(s) over budget\n", payload.OverflowTokens)
			}
		}
		return nil
	},
}

func init() {
	assembleCmd.Flags().IntVar(&assembleLimit, "limit", 0, "Token budget override")
	assembleCmd.Flags().StringVar(&assembleSystem, "system", "", "System prompt override")
	assembleCmd.Flags().BoolVar(&assembleSegments, "segments", false, "Print individual segments with token counts")
	rootCmd.AddCommand(assembleCmd)
}
