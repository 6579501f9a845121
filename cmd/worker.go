package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/dcf/internal/supervisor"
	"yqhp/dcf/internal/worker"
	"yqhp/dcf/pkg/logger"
	"yqhp/dcf/pkg/types"
)

var (
	// worker start 命令的 flags
	workerMaster string
	workerHost   string
	workerPort   int
	workerSecret string
)

// workerCmd 是 worker 子命令
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "管理 Worker 节点",
	Long:  `Worker 节点执行 master 下发的闭包。`,
}

// workerStartCmd 是 worker start 子命令
var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动 Worker 节点",
	Long: `启动 Worker 节点并向 master 注册。

与 master 的会话断开后 worker 自动退出。`,
	Example: `  # 连接本机 master
  dcf worker start

  # 指定 master 地址和本机监听端口
  dcf worker start --master 10.0.0.1:9001 --port 9100 --secret s3cret`,
	RunE: runWorkerStart,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerStartCmd)

	workerStartCmd.Flags().StringVar(&workerMaster, "master", "localhost:9001", "Master 地址")
	workerStartCmd.Flags().StringVar(&workerHost, "host", "localhost", "监听地址")
	workerStartCmd.Flags().IntVar(&workerPort, "port", 0, "监听端口，0 表示自动分配")
	workerStartCmd.Flags().StringVar(&workerSecret, "secret", "", "注册密钥")
}

func runWorkerStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(changedFlags(cmd, map[string]string{
		"master": "worker.master_endpoint",
		"host":   "worker.host",
		"port":   "worker.port",
		"secret": "worker.secret",
	}))
	if err != nil {
		return err
	}

	log := logger.Named("worker")
	rt := worker.New(&worker.Config{
		Host:            cfg.Worker.Host,
		Port:            cfg.Worker.Port,
		MasterEndpoint:  cfg.Worker.MasterEndpoint,
		Secret:          cfg.Worker.Secret,
		CleanupInterval: cfg.Worker.CleanupInterval,
		RegisterTimeout: cfg.Worker.RegisterTimeout,
		Logger:          log,
		OnReady: func(types.WorkerIdentity) {
			if err := supervisor.NotifyReady(); err != nil {
				log.Warn("通知父进程失败", zap.Error(err))
			}
		},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("启动 Worker 失败: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-rt.Done():
	}

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := rt.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("停止 Worker 失败: %w", err)
	}
	return nil
}
