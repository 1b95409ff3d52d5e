package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
)

// configEnv 允许通过环境变量指定配置路径，优先级低于 --config。
const configEnv = "OFFLINE_HUB_CONFIG"

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// execute 运行 CLI 并返回退出码，方便测试。
func execute(ctx context.Context, args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(stdErr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}
	return 0
}

// newRootCmd 构建 offline-hub 命令树；不带子命令时等同于 serve。
func newRootCmd() *cobra.Command {
	var configFlag string

	root := &cobra.Command{
		Use:           "offline-hub",
		Short:         "Offline resilience proxy: cache routing, durable queue and background sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), resolveConfigPath(configFlag))
		},
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Install, activate and start the proxy",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context(), resolveConfigPath(configFlag))
			},
		},
		newCheckConfigCmd(&configFlag),
		newSyncCmd(&configFlag),
		newQueueCmd(&configFlag),
		newVersionCmd(),
	)
	return root
}

// resolveConfigPath 按 --config > 环境变量 > ./config.toml 计算最终路径。
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(configEnv); env != "" {
		return env
	}
	return "config.toml"
}

// loadConfig 加载配置并初始化日志，所有子命令共享。
func loadConfig(path string) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, logger, nil
}
