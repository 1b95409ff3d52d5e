package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/durable"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/queue"
	"github.com/any-hub/offline-hub/internal/server"
)

// --- check-config ---

func newCheckConfigCmd(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(*configFlag)
			cfg, logger, err := loadConfig(path)
			if err != nil {
				return err
			}
			fields := logging.BaseFields("check_config", path)
			for k, v := range cfg.Summary() {
				fields[k] = v
			}
			fields["result"] = "ok"
			logger.WithFields(fields).Info("配置校验通过")
			return nil
		},
	}
}

// --- sync ---

func newSyncCmd(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay every queued mutation against the origin once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(resolveConfigPath(*configFlag))
			if err != nil {
				return err
			}
			summary, err := runSync(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			return writeJSONLine(summary)
		},
	}
}

// runSync 打开持久化存储并执行一轮回放。CLI 进程没有在线客户端，汇总只打印不广播。
func runSync(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (queue.Summary, error) {
	store, err := openDurable(ctx, cfg)
	if err != nil {
		return queue.Summary{}, err
	}
	defer store.Close()

	manager, err := queue.NewManager(queue.Options{
		Store:   store,
		Client:  server.NewUpstreamClient(cfg),
		Logger:  logger,
		Timeout: cfg.Global.NetworkTimeout.DurationValue(),
	})
	if err != nil {
		return queue.Summary{}, err
	}
	return manager.Reconcile(ctx)
}

// --- queue ---

func newQueueCmd(configFlag *string) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the offline mutation queue",
	}

	var status string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print queued mutations as JSON lines, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := durable.MutationStatus(strings.ToLower(strings.TrimSpace(status)))
			if filter != "" && !filter.Valid() {
				return fmt.Errorf("unknown status %q (expected queued, synced or failed)", status)
			}
			cfg, _, err := loadConfig(resolveConfigPath(*configFlag))
			if err != nil {
				return err
			}
			store, err := openDurable(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.MutationsByStatus(cmd.Context(), filter)
			if err != nil {
				return err
			}
			for _, record := range records {
				if err := writeJSONLine(record); err != nil {
					return err
				}
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "only show records with this status (queued, synced, failed)")
	queueCmd.AddCommand(listCmd)
	return queueCmd
}

// openDurable 打开配置中的持久化后端；Init 可重复执行，保证独立子命令也能读取。
func openDurable(ctx context.Context, cfg *config.Config) (durable.Store, error) {
	store, err := durable.Open(durable.Options{Backend: cfg.Durable.Backend, Path: cfg.DurablePath()})
	if err != nil {
		return nil, fmt.Errorf("打开持久化存储失败: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("初始化持久化存储失败: %w", err)
	}
	return store, nil
}

func writeJSONLine(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdOut, string(raw))
	return err
}
