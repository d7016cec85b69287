package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"waveplay/logger"
	"waveplay/server"
)

var (
	serverAddr   string
	preloadQueue bool
	watchEnvFile bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动播放服务",
	Long:  `启动播放引擎和HTTP服务，提供播放控制接口、WebSocket信号推送和 /metrics 指标。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serverAddr != "" {
			cfg.ServerAddr = serverAddr
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a := newApp(cfg)
		defer a.close()

		a.player.Restore(ctx)
		a.startNATS(ctx, cfg.NATSURL)
		if watchEnvFile {
			if _, err := os.Stat(cfg.EnvFile); err == nil {
				a.watchConfig(ctx, cfg.EnvFile)
			}
		}

		if preloadQueue {
			if n, err := a.player.LoadLibrary(ctx, cfg.CatalogScope); err != nil {
				logger.Warn("[Server] 预加载播放队列失败", logger.ErrorField(err))
			} else {
				logger.Info("[Server] 播放队列已预加载", logger.Int("tracks", n))
			}
		}

		return server.Start(ctx, cfg, server.Deps{
			Player:    a.player,
			Equalizer: a.eq,
			History:   a.history,
			Bus:       a.bus,
			Metrics:   a.metrics,
		})
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().StringVarP(&serverAddr, "addr", "a", "", "监听地址，覆盖 SERVER_ADDR")
	serverCmd.Flags().BoolVar(&preloadQueue, "preload", true, "启动时从曲库加载播放队列")
	serverCmd.Flags().BoolVar(&watchEnvFile, "watch", true, "监听 .env 变化并热更新可调参数")
}
