package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	sdk "github.com/hewenyu/kong-mesh/sdk/go"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer logger.Sync()

	// 实例自身的HTTP服务，控制面通过/health探测
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/orders/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("order " + r.URL.Path))
	})
	srv := &http.Server{Addr: ":8000", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("实例HTTP服务异常退出", zap.Error(err))
		}
	}()

	// 配置SDK客户端
	client, err := sdk.NewClient(&sdk.Config{
		ServerAddr:  "localhost:8080",
		ServiceName: "orders",
		ServiceHost: "127.0.0.1",
		ServicePort: 8000,
		Version:     "1.0.0",
		Timeout:     5 * time.Second,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("创建SDK客户端失败", zap.Error(err))
	}

	ctx := context.Background()
	if err := client.Register(ctx); err != nil {
		logger.Fatal("实例注册失败", zap.Error(err))
	}

	// 心跳间隔由控制面TTL决定
	client.StartHeartbeat()

	// 等待终止信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Close(shutdownCtx); err != nil {
		logger.Error("关闭SDK客户端失败", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭实例HTTP服务失败", zap.Error(err))
	}
}
