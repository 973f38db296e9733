// file: cmd/catalog-host/main.go

package main

import (
	"flag"

	"github.com/fx147/entity-catalog/cmd/catalog-host/cmd"
	"k8s.io/klog/v2"
)

func main() {
	// 把 klog 的标志 (-v, --logtostderr 等) 添加到 cobra 的根命令上
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	cmd.GetRootCmd().PersistentFlags().AddGoFlagSet(fs)

	cmd.Execute()
}
