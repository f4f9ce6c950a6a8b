// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"studymate-go/internal/app"
	"studymate-go/internal/config"
	"studymate-go/pkg/log"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 配置文件变更时热更新日志级别
	config.Watch(func(next config.Config) {
		if next.Log.Level != log.Level() && log.SetLevel(next.Log.Level) {
			log.Infof("日志级别已更新为 %s", next.Log.Level)
		}
	})

	// 3. 初始化基础设施与各层组件
	ctx := context.Background()
	application, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal("应用初始化失败", err)
	}

	// 4. 恢复向量索引并启动后台任务
	if err := application.Start(ctx); err != nil {
		log.Fatal("启动后台任务失败", err)
	}

	// 5. 启动 HTTP 服务器
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: application.Router(),
	}
	go func() {
		log.Infof("服务器启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("监听端口失败: %s\n", err)
		}
	}()

	// 6. 等待中断信号以优雅地关闭服务器
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("正在关闭服务器...")

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("服务器强制关闭", err)
	}
	// 最后一次索引落盘在这里完成
	if err := application.Close(shutdownCtx); err != nil {
		log.Error("释放资源失败", err)
	}
	log.Info("服务器已退出")
}
