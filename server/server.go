package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"waveplay/config"
	"waveplay/core/equalizer"
	"waveplay/core/events"
	"waveplay/core/player"
	"waveplay/logger"
	"waveplay/metrics"
	"waveplay/repository"
)

// Deps 服务依赖，Player 必须提供
type Deps struct {
	Player    *player.Orchestrator
	Equalizer *equalizer.Coordinator
	History   repository.PlayHistoryRepository
	Bus       *events.Bus
	Metrics   *metrics.Metrics
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// corsMiddleware 允许任意来源访问播放器接口
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter 创建路由，hub 和 m 可以为空
func NewRouter(h *PlayerHandler, hub *PlayerHub, m *metrics.Metrics) *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware)

	// 预检请求需要命中一条路由，中间件才会执行
	router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	h.RegisterRoutes(router)
	if hub != nil {
		router.HandleFunc("/ws/player", h.WebSocketHandler(hub))
	}
	if m != nil {
		router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return router
}

// WebSocketHandler 信号推送和命令通道
func (h *PlayerHandler) WebSocketHandler(hub *PlayerHub) http.HandlerFunc {
	exec := func(ctx context.Context, command string, args json.RawMessage) error {
		_, err := h.Execute(ctx, command, args)
		return err
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("[PlayerHub] websocket upgrade failed", logger.ErrorField(err))
			return
		}

		client := NewClient(hub, conn)
		hub.Register(client)

		if state, err := json.Marshal(h.player.Snapshot()); err == nil {
			client.SendMessage(&WSMessage{Type: MsgTypeState, Data: state})
		}

		go client.WritePump()
		client.ReadPump(r.Context(), exec)
	}
}

// Start 启动 HTTP 服务，收到退出信号或 ctx 取消时优雅关闭
func Start(ctx context.Context, cfg *config.Config, deps Deps) error {
	if deps.Player == nil {
		return errors.New("player is required")
	}

	handler := NewPlayerHandler(deps.Player, deps.Equalizer, deps.History)

	hub := NewPlayerHub()
	go hub.Run()
	defer hub.Stop()

	fwdCtx, cancelFwd := context.WithCancel(ctx)
	defer cancelFwd()
	if deps.Bus != nil {
		sub := deps.Bus.Subscribe()
		defer deps.Bus.Unsubscribe(sub)
		go hub.Forward(fwdCtx, sub)
	}

	// 设置服务器超时
	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      NewRouter(handler, hub, deps.Metrics),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 创建一个通道来接收操作系统信号
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("[Server] 服务启动",
			logger.String("addr", cfg.ServerAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			logger.Error("[Server] 服务启动失败", logger.ErrorField(err))
			return err
		}
		return nil
	case <-stop:
	case <-ctx.Done():
	}
	logger.Info("[Server] 正在关闭服务...")

	// 创建一个5秒超时的上下文
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 优雅关闭服务器
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("[Server] 服务强制关闭", logger.ErrorField(err))
		return err
	}

	logger.Info("[Server] 服务已停止")
	return nil
}
