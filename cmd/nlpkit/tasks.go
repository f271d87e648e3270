package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"nlpkit/internal/tasks"
)

func tasksCmd(a *app) *cobra.Command {
	var examples, asJSON bool
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List the available tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := tasks.LoadEmbeddedCatalog()
			if err != nil {
				return err
			}
			if len(a.cfg.Models) > 0 {
				if catalog, err = catalog.WithModelOverrides(a.cfg.Models); err != nil {
					return err
				}
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(catalog.All())
			}
			printTasks(cmd.OutOrStdout(), catalog.All(), examples)
			return nil
		},
	}
	cmd.Flags().BoolVar(&examples, "examples", false, "show an example input for each task")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the catalog as JSON")
	return cmd
}

func printTasks(w io.Writer, all []tasks.Descriptor, examples bool) {
	fmt.Fprintln(w, "Available Tasks")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	fmt.Fprintf(w, "%-16s %-32s %-20s %-30s\n", "ID", "NAME", "INPUT", "MODEL")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, d := range all {
		model := d.DefaultModel
		switch {
		case d.Standalone():
			model = "(built-in detector)"
		case len(d.Variants) > 0:
			model = fmt.Sprintf("%d variants", len(d.Variants))
		}
		fmt.Fprintf(w, "%-16s %-32s %-20s %-30s\n", d.ID, d.Name, d.Shape, model)
		if len(d.Variants) > 0 {
			fmt.Fprintf(w, "%-16s variants: %s\n", "", strings.Join(d.VariantNames(), ", "))
		}
		if examples && d.Example != "" {
			fmt.Fprintf(w, "%-16s example: %s\n", "", d.Example)
		}
	}
	fmt.Fprintln(w, strings.Repeat("-", 100))
	fmt.Fprintln(w, "\nTip: Use 'nlpkit run <task> --text \"...\"' to run a task")
}
