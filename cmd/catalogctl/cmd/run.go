// file: cmd/catalogctl/cmd/run.go

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newRunCmd 创建 run 命令，执行一个实体的运行行为。
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <uid>",
		Short: "Run an entity, for example open a cluster or a web link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			navigate := func(url string) {
				fmt.Fprintf(out, "Navigate to %s\n", url)
			}

			r, cleanup, err := connectConsumer(cmd.Context(), navigate)
			if err != nil {
				return err
			}
			defer cleanup()

			entity, ok := r.GetByID(args[0])
			if !ok {
				return fmt.Errorf("entity %q not found", args[0])
			}
			if !r.Run(cmd.Context(), entity) {
				return fmt.Errorf("running entity %q was cancelled", args[0])
			}

			if active, ok := r.ActiveEntity(); ok {
				fmt.Fprintf(out, "Active entity: %s (%s)\n", active.GetMetadata().Name, active.GetMetadata().UID)
			}
			return nil
		},
	}
}
