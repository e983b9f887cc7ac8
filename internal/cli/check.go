package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/me/gowdl/internal/engine"
	"github.com/me/gowdl/pkg/wdl"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <document>",
		Short: "Resolve a document and build every workflow graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := wdl.DecodeFile(args[0])
			if err != nil {
				return err
			}
			wf, err := engine.Check(doc)
			if err != nil {
				return err
			}
			calls := 0
			var count func(body []*wdl.Node)
			count = func(body []*wdl.Node) {
				for _, n := range body {
					switch {
					case n.Call != nil:
						calls++
					case n.Scatter != nil:
						count(n.Scatter.Body)
					case n.If != nil:
						for _, b := range n.If.Branches {
							count(b.Body)
						}
					}
				}
			}
			count(wf.Body)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d tasks, %d inputs, %d calls, %d outputs)\n",
				wf.Name, len(doc.Tasks), len(wf.Inputs), calls, len(wf.Outputs))
			return nil
		},
	}
}
