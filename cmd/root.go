package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"waveplay/config"
	"waveplay/logger"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "waveplay",
	Short: "waveplay 音频播放编排引擎",
	Long:  `waveplay 管理播放队列、曲目加载、波形峰值和均衡器，通过 HTTP/WebSocket 对外提供播放控制。`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
		logger.InitLogger(logger.Config{
			Level:      logger.LogLevel(cfg.LogLevel),
			OutputPath: cfg.LogFile,
			MaxSize:    cfg.LogMaxSize,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAge,
			Compress:   cfg.LogCompress,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
