// file: cmd/catalogctl/cmd/root.go

package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

var (
	// cfgFile 用于存储配置文件的路径
	cfgFile string

	// rootCmd 代表没有调用子命令时的基础命令
	rootCmd = &cobra.Command{
		Use:   "catalogctl",
		Short: "A presentation-side client of the entity catalog",
		Long: `catalogctl connects to a running catalog-host, keeps a local copy of the
catalog in sync over the change stream, and lets you list, watch and run
entities or manage saved web links.`,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
)

// Execute 将所有子命令添加到根命令中，并设置标志。
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.catalogctl.yaml)")

	// host 连接相关的标志
	rootCmd.PersistentFlags().String("server", "ws://127.0.0.1:7676/ipc", "The websocket endpoint of the catalog host")
	rootCmd.PersistentFlags().Duration("dial-timeout", 0, "Keep retrying to connect for this long (0 tries once)")
	rootCmd.PersistentFlags().Duration("settle", 300*time.Millisecond, "Quiet period after which the initial snapshot is considered complete")
	rootCmd.PersistentFlags().Duration("hook-timeout", 0, "Deadline of a single before-run hook (0 means none)")

	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("dial-timeout", rootCmd.PersistentFlags().Lookup("dial-timeout"))
	viper.BindPFlag("settle", rootCmd.PersistentFlags().Lookup("settle"))
	viper.BindPFlag("hook-timeout", rootCmd.PersistentFlags().Lookup("hook-timeout"))

	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newWebLinkCmd())
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
		viper.SetConfigName(".catalogctl")
		viper.SetConfigType("yaml")
	}

	// 例如 CATALOGCTL_SERVER
	viper.SetEnvPrefix("CATALOGCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
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
