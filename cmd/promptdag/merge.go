package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentstation/promptdag"
)

var (
	mergeTag string
	mergeOut string
)

var mergeCmd = &cobra.Command{
	Use:   "merge <dest.json> <src.json>",
	Short: "Merge one graph file into another",
	Long: `Merge imports every node and link from the source graph into the
destination. Colliding ids get fresh ones and colliding names are
renamed with the tag, so merging is always collision-free.

The tag defaults to the source filename without its extension.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		destPath, srcPath := args[0], args[1]

		dest, err := loadGraph(destPath)
		if err != nil {
			return err
		}

		remap, warnings, err := promptdag.MergeFile(dest, srcPath, mergeTag)
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "warning: %s: %s\n", srcPath, w)
		}
		if err != nil {
			return err
		}

		out := mergeOut
		if out == "" {
			out = destPath
		}
		if err := promptdag.SaveFile(out, dest); err != nil {
			return err
		}

		fmt.Printf("merged %d node(s) from %s into %s\n", len(remap), srcPath, out)
		if verbose {
			for old, fresh := range remap {
				if old != fresh {
					fmt.Printf("  remapped %s -> %s\n", old, fresh)
				}
			}
		}
		return nil
	},
}

func init() {
	mergeCmd.Flags().StringVar(&mergeTag, "tag", "", "Rename tag for colliding names (default: source filename)")
	mergeCmd.Flags().StringVarP(&mergeOut, "out", "o", "", "Output file (default: overwrite destination)")
	rootCmd.AddCommand(mergeCmd)
}
