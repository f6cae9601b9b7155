package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"peerplat/config"
	"peerplat/game"
	"peerplat/server"
)

// peerplat 入口：启动渲染循环与 HTTP/WebSocket 服务，按参数发起或接入会话
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfgPath string
		addr    string
		host    bool
		join    string
		remote  string
		ascii   int
	)
	flag.StringVar(&cfgPath, "config", config.DefaultPath, "path to yaml config")
	flag.StringVar(&addr, "addr", "", "listen address, overrides config, e.g. :8080")
	flag.BoolVar(&host, "host", false, "offer a session on startup and become authoritative")
	flag.StringVar(&join, "join", "", "session code to join on startup")
	flag.StringVar(&remote, "remote", "localhost:8080", "address of the hosting peer for -join")
	flag.IntVar(&ascii, "ascii", 0, "print an ascii frame to stdout every N frames, 0 disables")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if addr != "" {
		cfg.Listen = addr
	}
	if ascii > 0 {
		cfg.Loop.TextEvery = ascii
	}

	// 使用 zap 日志库写入日志文件（带滚动）
	if err := server.InitLogger(cfg.Log); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer server.SyncLogger()

	level, err := game.LoadLevelOrBuiltin(cfg.Level.Path, cfg.Level.CellSize)
	if err != nil {
		server.Log.Warnf("level %q unavailable, using builtin: %v", cfg.Level.Path, err)
	}

	frames := &server.FrameStore{}
	renderers := server.Renderers{frames}
	if cfg.Loop.TextEvery > 0 {
		renderers = append(renderers, &server.TextRenderer{W: os.Stdout, Every: cfg.Loop.TextEvery, Cell: cfg.Level.CellSize})
	}

	registry := server.NewRegistry()
	peer, err := server.NewPeer(cfg, level, registry, renderers)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.NewRouter(peer, registry, frames),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 优雅退出（Ctrl+C）
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return peer.Run(gctx)
	})
	g.Go(func() error {
		server.Log.Infof("peerplat listening on %s (level %s)", cfg.Listen, level.Name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		server.Log.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	switch {
	case host:
		g.Go(func() error {
			code, err := peer.Open(gctx)
			if err != nil {
				return fmt.Errorf("open session: %w", err)
			}
			fmt.Printf("session code: %s\n", code)
			return nil
		})
	case join != "":
		g.Go(func() error {
			// 连接失败只记录，会话进入 Errored，可通过 /session/connect 重试
			if err := peer.Connect(gctx, remote, join); err != nil {
				server.Log.Errorf("connect %s: %v", remote, err)
			}
			return nil
		})
	}

	return g.Wait()
}
