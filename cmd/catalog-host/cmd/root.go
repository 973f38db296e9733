// file: cmd/catalog-host/cmd/root.go

package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

var (
	// cfgFile 用于存储配置文件的路径
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "catalog-host",
		Short: "The host process of the entity catalog",
		Long: `catalog-host aggregates catalog entities from kubeconfig files and the
local registry, and streams incremental changes to presentation processes
over a local websocket endpoint.`,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
)

// Execute 执行根命令，main.go 将调用它。
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.catalog-host.yaml)")

	rootCmd.AddCommand(newServeCmd())
}

// initConfig 读取配置文件和环境变量（如果设置了的话）。
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(".")
		viper.AddConfigPath(home)
		viper.SetConfigName(".catalog-host")
		viper.SetConfigType("yaml")
	}

	// 例如 CATALOG_LISTEN, CATALOG_STORAGE_DRIVER
	viper.SetEnvPrefix("CATALOG")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			klog.Warningf("Error reading config file: %v", err)
		}
	}
}

// GetRootCmd 导出 rootCmd 以便 main.go 可以添加 klog 标志
func GetRootCmd() *cobra.Command {
	return rootCmd
}
