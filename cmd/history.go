package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"waveplay/db"
	"waveplay/repository"
)

var (
	historyLimit int
	historyDays  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "播放记录管理",
}

var historyRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "查看最近的播放记录",
	Run: func(cmd *cobra.Command, args []string) {
		repo := openHistory()
		defer db.CloseGormDB()

		entries, err := repo.Recent(context.Background(), historyLimit)
		if err != nil {
			log.Fatalf("查询播放记录失败: %v", err)
		}
		if len(entries) == 0 {
			fmt.Println("暂无播放记录")
			return
		}
		for _, e := range entries {
			fmt.Printf("%s  %-8s %s - %s (%s)\n",
				e.PlayedAt.Format("2006-01-02 15:04:05"), e.Cause, e.Title, e.Artist, e.TrackID)
		}
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "删除过期的播放记录",
	Run: func(cmd *cobra.Command, args []string) {
		if historyDays <= 0 {
			log.Fatal("--days 必须大于 0")
		}
		repo := openHistory()
		defer db.CloseGormDB()

		before := time.Now().AddDate(0, 0, -historyDays)
		n, err := repo.DeleteBefore(context.Background(), before)
		if err != nil {
			log.Fatalf("删除播放记录失败: %v", err)
		}
		fmt.Printf("已删除 %d 条 %s 之前的播放记录\n", n, before.Format("2006-01-02"))
	},
}

func openHistory() repository.PlayHistoryRepository {
	if err := db.ConnectGormDB(cfg); err != nil {
		log.Fatalf("无法连接数据库: %v", err)
	}
	if err := db.AutoMigrateModels(); err != nil {
		log.Fatalf("数据表迁移失败: %v", err)
	}
	return repository.NewGormPlayHistoryRepository(db.GormDB)
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyRecentCmd, historyPruneCmd)

	historyRecentCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "显示条数")
	historyPruneCmd.Flags().IntVar(&historyDays, "days", 90, "保留最近多少天的记录")
}
