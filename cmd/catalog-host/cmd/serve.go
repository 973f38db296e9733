// file: cmd/catalog-host/cmd/serve.go

package cmd

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/fx147/entity-catalog/internal/host"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newServeCmd 创建 serve 命令
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the catalog host until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := host.NewOptionsFromViper()
			h, err := host.New(opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return h.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", "127.0.0.1:7676", "Address of the websocket and metrics endpoint")
	flags.String("storage-driver", host.StorageBolt, "Storage for user created entities (bolt or file)")
	flags.String("storage-path", host.DefaultStoragePath(), "Directory of the entity storage")
	flags.StringSlice("kubeconfig", []string{host.DefaultKubeconfig()}, "Kubeconfig files to read clusters from")
	flags.Duration("resync-period", 30*time.Second, "Period of the registry resync and kubeconfig reload")
	flags.Duration("probe-period", 15*time.Second, "Period of the reachability probes")
	flags.Duration("probe-timeout", 3*time.Second, "Timeout of a single reachability probe")

	viper.BindPFlag("listen", flags.Lookup("listen"))
	viper.BindPFlag("storage.driver", flags.Lookup("storage-driver"))
	viper.BindPFlag("storage.path", flags.Lookup("storage-path"))
	viper.BindPFlag("kubeconfig", flags.Lookup("kubeconfig"))
	viper.BindPFlag("resync-period", flags.Lookup("resync-period"))
	viper.BindPFlag("probe-period", flags.Lookup("probe-period"))
	viper.BindPFlag("probe-timeout", flags.Lookup("probe-timeout"))

	return cmd
}
