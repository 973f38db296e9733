// file: internal/catalogctl/util/client.go

package util

import (
	"context"
	"fmt"

	catalogv1 "github.com/fx147/entity-catalog/pkg/apis/catalog/v1"
	"github.com/fx147/entity-catalog/pkg/catalog"
	"github.com/fx147/entity-catalog/pkg/consumer"
	"github.com/fx147/entity-catalog/pkg/ipc"
	"github.com/spf13/viper"
)

// NewClientFromFlags 从 viper 中读取全局标志，并连接 host 的 ipc 端点。
func NewClientFromFlags(ctx context.Context) (*ipc.Client, error) {
	server := viper.GetString("server")
	if server == "" {
		return nil, fmt.Errorf("server must be specified")
	}

	return ipc.Dial(ctx, server, ipc.DialOptions{
		MaxElapsedTime: viper.GetDuration("dial-timeout"),
	})
}

// NewConsumerFromFlags 创建一个注册了内置分类的展示进程目录。
func NewConsumerFromFlags(navigate func(url string)) (*consumer.Registry, error) {
	categories := catalog.NewCategoryRegistry()
	if _, err := catalogv1.AddToCategories(categories); err != nil {
		return nil, err
	}

	return consumer.NewRegistry(categories, consumer.Options{
		Navigate:    navigate,
		HookTimeout: viper.GetDuration("hook-timeout"),
	}), nil
}
