// file: internal/host/options.go

package host

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

const (
	StorageBolt = "bolt"
	StorageFile = "file"
)

// Options 是 host 进程的全部配置。
type Options struct {
	// 监听地址，只应该监听本机
	Listen string

	StorageDriver string
	StoragePath   string

	Kubeconfigs []string

	ResyncPeriod time.Duration
	ProbePeriod  time.Duration
	ProbeTimeout time.Duration
}

// DefaultStoragePath 返回默认的持久化目录 $HOME/.entity-catalog。
func DefaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".entity-catalog"
	}
	return filepath.Join(home, ".entity-catalog")
}

// DefaultKubeconfig 返回 $HOME/.kube/config。
func DefaultKubeconfig() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".kube", "config")
}

// NewOptionsFromViper 从 viper 中读取 host 的配置。
func NewOptionsFromViper() *Options {
	return &Options{
		Listen:        viper.GetString("listen"),
		StorageDriver: viper.GetString("storage.driver"),
		StoragePath:   viper.GetString("storage.path"),
		Kubeconfigs:   viper.GetStringSlice("kubeconfig"),
		ResyncPeriod:  viper.GetDuration("resync-period"),
		ProbePeriod:   viper.GetDuration("probe-period"),
		ProbeTimeout:  viper.GetDuration("probe-timeout"),
	}
}

// Validate 检查配置是否完整。
func (o *Options) Validate() error {
	if o.Listen == "" {
		return fmt.Errorf("listen address must be specified")
	}
	switch o.StorageDriver {
	case StorageBolt, StorageFile:
	default:
		return fmt.Errorf("unknown storage driver %q, must be %q or %q", o.StorageDriver, StorageBolt, StorageFile)
	}
	if o.StoragePath == "" {
		return fmt.Errorf("storage path must be specified")
	}
	if o.ProbePeriod <= 0 || o.ProbeTimeout <= 0 {
		return fmt.Errorf("probe-period and probe-timeout must be positive")
	}
	return nil
}
