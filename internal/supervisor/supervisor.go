// Package supervisor 以子进程的方式运行本地 worker。
//
// Spawn 启动子进程并等待其在完成注册后通过就绪管道写入 "ready"；
// 返回的 Handle 用于优雅停止子进程。
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"yqhp/dcf/pkg/dcferr"
	"yqhp/dcf/pkg/logger"
)

const (
	// EnvReadyFD 告诉子进程就绪管道的文件描述符
	EnvReadyFD = "DCF_READY_FD"
	// EnvMasterEndpoint 是子进程要注册的 master 地址
	EnvMasterEndpoint = "DCF_MASTER_ENDPOINT"

	// ExtraFiles 的第一个文件在子进程中总是 3
	readyFD   = 3
	readyLine = "ready"
)

// 子进程不能继承 master 的监听地址
var strippedEnv = []string{
	"DCF_MASTER_HOST",
	"DCF_MASTER_PORT",
	"DCF_WORKER_HOST",
	"DCF_WORKER_PORT",
	EnvReadyFD,
	EnvMasterEndpoint,
}

// Options 子进程选项
type Options struct {
	// Command 默认为当前可执行文件
	Command string
	// Args 默认为 worker start
	Args []string
	// Env 追加到继承的环境变量之后
	Env []string
	Dir string

	// Stdout 和 Stderr 默认继承父进程
	Stdout io.Writer
	Stderr io.Writer

	Logger *zap.Logger
}

// Handle 是已就绪子进程的句柄
type Handle struct {
	cmd *exec.Cmd
	log *zap.Logger

	exited  chan struct{}
	waitErr error

	termOnce sync.Once
}

// Spawn 启动一个连接 masterEndpoint 的 worker 子进程，并在其就绪后返回。
// 子进程先于就绪退出或 ctx 结束时返回 SpawnError，后者会杀掉子进程。
func Spawn(ctx context.Context, masterEndpoint string, opts *Options) (*Handle, error) {
	if opts == nil {
		opts = &Options{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Named("supervisor")
	}

	command := opts.Command
	args := opts.Args
	if command == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, dcferr.Spawn("resolve executable", err)
		}
		command = exe
		if args == nil {
			args = []string{"worker", "start"}
		}
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, dcferr.Spawn("create ready pipe", err)
	}
	defer r.Close()

	cmd := exec.Command(command, args...)
	cmd.Dir = opts.Dir
	cmd.Env = childEnv(os.Environ(), opts.Env, masterEndpoint)
	cmd.ExtraFiles = []*os.File{w}
	cmd.Stdout = opts.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = opts.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		w.Close()
		return nil, dcferr.Spawn(fmt.Sprintf("start %s", command), err)
	}
	// 只保留子进程持有的写端，子进程退出后读端才能读到 EOF
	w.Close()

	h := &Handle{
		cmd:    cmd,
		log:    log.With(zap.Int("pid", cmd.Process.Pid)),
		exited: make(chan struct{}),
	}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.exited)
	}()

	ready := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(r).ReadString('\n')
		if err == nil && strings.TrimSpace(line) != readyLine {
			err = fmt.Errorf("unexpected ready message %q", strings.TrimSpace(line))
		}
		ready <- err
	}()

	h.log.Debug("等待子进程就绪", zap.String("master", masterEndpoint))

	select {
	case err := <-ready:
		if err == nil {
			h.log.Info("worker 子进程已就绪")
			return h, nil
		}
		// 管道提前关闭，等子进程退出后再报告
		select {
		case <-h.exited:
			return nil, dcferr.Spawn("worker exited before ready", h.waitErr)
		case <-ctx.Done():
			h.kill()
			return nil, dcferr.Spawn("wait for worker ready", ctx.Err())
		}
	case <-h.exited:
		return nil, dcferr.Spawn("worker exited before ready", h.waitErr)
	case <-ctx.Done():
		h.kill()
		return nil, dcferr.Spawn("wait for worker ready", ctx.Err())
	}
}

func childEnv(base, extra []string, masterEndpoint string) []string {
	env := make([]string, 0, len(base)+len(extra)+2)
	for _, kv := range base {
		if !stripped(kv) {
			env = append(env, kv)
		}
	}
	env = append(env, extra...)
	return append(env,
		EnvMasterEndpoint+"="+masterEndpoint,
		EnvReadyFD+"="+strconv.Itoa(readyFD),
	)
}

func stripped(kv string) bool {
	name, _, _ := strings.Cut(kv, "=")
	for _, s := range strippedEnv {
		if name == s {
			return true
		}
	}
	return false
}

func (h *Handle) kill() {
	_ = h.cmd.Process.Kill()
	<-h.exited
}

// Pid 返回子进程 ID
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Exited 在子进程退出后关闭
func (h *Handle) Exited() <-chan struct{} {
	return h.exited
}

// Err 返回子进程的退出错误，子进程未退出时为 nil
func (h *Handle) Err() error {
	select {
	case <-h.exited:
		return h.waitErr
	default:
		return nil
	}
}

// Terminate 发送 SIGTERM 并等待子进程退出。可重复调用，信号只发送一次；
// ctx 结束时强制杀掉子进程。
func (h *Handle) Terminate(ctx context.Context) error {
	h.termOnce.Do(func() {
		select {
		case <-h.exited:
			return
		default:
		}
		h.log.Info("停止 worker 子进程")
		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			h.log.Debug("发送 SIGTERM 失败", zap.Error(err))
		}
	})

	select {
	case <-h.exited:
		return nil
	case <-ctx.Done():
		h.log.Warn("子进程未按时退出，强制结束")
		h.kill()
		return ctx.Err()
	}
}

var notifyOnce sync.Once

// NotifyReady 由子进程在注册完成后调用，通知父进程已就绪。
// 不是由 Spawn 启动时什么也不做。
func NotifyReady() error {
	var err error
	notifyOnce.Do(func() {
		v := os.Getenv(EnvReadyFD)
		if v == "" {
			return
		}
		fd, perr := strconv.Atoi(v)
		if perr != nil {
			err = fmt.Errorf("invalid %s: %w", EnvReadyFD, perr)
			return
		}
		f := os.NewFile(uintptr(fd), "ready")
		if f == nil {
			err = fmt.Errorf("invalid ready fd %d", fd)
			return
		}
		defer f.Close()
		_, err = f.WriteString(readyLine + "\n")
	})
	return err
}
