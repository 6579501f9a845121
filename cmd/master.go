package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/dcf/internal/config"
	"yqhp/dcf/internal/master"
	"yqhp/dcf/internal/storage"
	"yqhp/dcf/internal/supervisor"
	"yqhp/dcf/pkg/logger"
)

var (
	// master start 命令的 flags
	masterHost   string
	masterPort   int
	masterSecret string
	masterSpawn  int
)

// masterCmd 是 master 子命令
var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "管理 Master 节点",
	Long:  `Master 节点接受 worker 注册，为每个 worker 初始化存储并下发闭包。`,
}

// masterStartCmd 是 master start 子命令
var masterStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动 Master 节点",
	Long: `启动 Master 节点，开始接受 worker 注册。

注册握手中 master 会：
  - 校验 worker 的密钥
  - 回连 worker 并通过 /init 分配 ID
  - 按配置顺序通过 /init-storage 初始化所有存储`,
	Example: `  # 使用默认配置启动
  dcf master start

  # 指定监听地址和密钥
  dcf master start --host 0.0.0.0 --port 9001 --secret s3cret

  # 同时在本机启动 4 个 worker 子进程
  dcf master start --spawn 4`,
	RunE: runMasterStart,
}

func init() {
	rootCmd.AddCommand(masterCmd)
	masterCmd.AddCommand(masterStartCmd)

	masterStartCmd.Flags().StringVar(&masterHost, "host", "localhost", "监听地址")
	masterStartCmd.Flags().IntVar(&masterPort, "port", 9001, "监听端口")
	masterStartCmd.Flags().StringVar(&masterSecret, "secret", "", "worker 注册密钥")
	masterStartCmd.Flags().IntVar(&masterSpawn, "spawn", 0, "在本机启动的 worker 子进程数")
}

// buildStorages 把配置中的存储描述转换为工厂闭包
func buildStorages(cfgs []config.StorageConfig) ([]master.StorageDescriptor, error) {
	descs := make([]master.StorageDescriptor, 0, len(cfgs))
	for _, sc := range cfgs {
		factory, err := storage.Factory(sc.Backend, sc.Name, sc.Options)
		if err != nil {
			return nil, fmt.Errorf("存储 %s: %w", sc.Name, err)
		}
		descs = append(descs, master.StorageDescriptor{Name: sc.Name, Factory: factory})
	}
	return descs, nil
}

func runMasterStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(changedFlags(cmd, map[string]string{
		"host":   "master.host",
		"port":   "master.port",
		"secret": "master.secret",
	}))
	if err != nil {
		return err
	}

	storages, err := buildStorages(cfg.Master.Storages)
	if err != nil {
		return err
	}

	log := logger.Named("master")
	c := master.New(&master.Config{
		Host:             cfg.Master.Host,
		Port:             cfg.Master.Port,
		Secret:           cfg.Master.Secret,
		HandshakeTimeout: cfg.Master.HandshakeTimeout,
		Storages:         storages,
		Logger:           log,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !quiet {
		fmt.Printf(Banner, Version)
		fmt.Println()
	}

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("启动 Master 失败: %w", err)
	}

	go func() {
		for ev := range c.Watch(ctx) {
			log.Info("worker 列表变化",
				zap.String("event", string(ev.Type)),
				zap.String("worker", ev.Worker.WorkerID),
				zap.Int("workers", c.Count()))
		}
	}()

	children, spawnErr := spawnWorkers(ctx, c.Endpoint(), cfg.Master.Secret, masterSpawn)

	if spawnErr == nil {
		if !quiet {
			fmt.Printf("Master 已启动: %s。按 Ctrl+C 停止。\n", c.Endpoint())
		}
		<-ctx.Done()
	}

	// 优雅关闭
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	var errs []error
	if spawnErr != nil {
		errs = append(errs, spawnErr)
	}
	for _, h := range children {
		if err := h.Terminate(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("停止 worker 子进程 %d: %w", h.Pid(), err))
		}
	}
	if err := c.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("停止 Master 失败: %w", err))
	}
	return errors.Join(errs...)
}

// spawnWorkers 启动 n 个 worker 子进程，任一失败时返回已启动的部分和错误
func spawnWorkers(ctx context.Context, endpoint, secret string, n int) ([]*supervisor.Handle, error) {
	handles := make([]*supervisor.Handle, 0, n)
	for i := 0; i < n; i++ {
		args := []string{"worker", "start"}
		if cfgFile != "" {
			args = append(args, "--config", cfgFile)
		}
		if debug {
			args = append(args, "--debug")
		}

		h, err := supervisor.Spawn(ctx, endpoint, &supervisor.Options{
			Args: args,
			Env:  []string{"DCF_SECRET=" + secret},
		})
		if err != nil {
			return handles, fmt.Errorf("启动第 %d 个 worker 失败: %w", i+1, err)
		}
		handles = append(handles, h)
	}
	if n > 0 && !quiet {
		fmt.Fprintf(os.Stderr, "已启动 %d 个 worker 子进程\n", n)
	}
	return handles, nil
}
