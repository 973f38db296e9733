// file: cmd/catalogctl/cmd/watch.go

package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fx147/entity-catalog/internal/catalogctl/util"
	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"github.com/fx147/entity-catalog/pkg/catalog"
	"github.com/fx147/entity-catalog/pkg/stream"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// newWatchCmd 创建 watch 命令，打印 host 发送的每一条变更事件。
func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print catalog change events as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, err := util.NewClientFromFlags(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			sub, err := stream.Connect(ctx, client, catalog.StreamName, stream.Handlers[metav1.ChangeEvent]{
				OnData: func(event metav1.ChangeEvent) {
					if err := util.PrintEvent(out, event); err != nil {
						klog.ErrorS(err, "Failed to print change event", "uid", event.UID)
					}
				},
			})
			if err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				return sub.Close()
			case <-sub.Done():
				return fmt.Errorf("stream closed by host")
			}
		},
	}
}
