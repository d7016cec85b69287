package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"waveplay/core/peaks"
	"waveplay/model"
	"waveplay/storage"
)

var (
	peaksKind     string
	peaksDuration float64
	peaksPrint    bool
	peaksBucket   string
	peaksKey      string
)

var peaksCmd = &cobra.Command{
	Use:   "peaks",
	Short: "波形峰值工具",
	Long:  `提取、检查和上传波形峰值文件。`,
}

var peaksExtractCmd = &cobra.Command{
	Use:   "extract <url>",
	Short: "提取并重采样波形峰值",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ref := &model.WaveformRef{Kind: model.WaveformKind(peaksKind), URL: args[0]}
		if !ref.Usable() {
			log.Fatalf("无效的波形引用: kind=%s url=%s", peaksKind, args[0])
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		raw := peaks.NewExtractor(newFetcher(cfg), nil).Extract(ctx, ref)
		if len(raw) == 0 {
			log.Fatal("未能提取到峰值，请检查地址和格式")
		}
		fmt.Printf("原始峰值: %d 个\n", len(raw))

		out := raw
		if target := peaks.TargetLength(peaksDuration, renderConfig(cfg)); target > 0 {
			out = peaks.Resample(raw, target)
			fmt.Printf("按 %.1fs 重采样: %d 个\n", peaksDuration, len(out))
		}

		if peaksPrint {
			data, _ := json.Marshal(out)
			fmt.Println(string(data))
		}
	},
}

var peaksUploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "校验并上传波形文件到 MinIO",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := args[0]
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("读取文件失败: %v", err)
		}

		contentType, count, err := inspectPeaksFile(path, data)
		if err != nil {
			log.Fatalf("波形文件无效: %v", err)
		}
		fmt.Printf("波形文件校验通过: %d 个峰值\n", count)

		if err := storage.InitMinio(cfg); err != nil {
			log.Fatalf("无法连接到MinIO: %v", err)
		}

		bucket := peaksBucket
		if bucket == "" {
			bucket = cfg.MinioBucket
		}
		key := peaksKey
		if key == "" {
			key = "peaks/" + filepath.Base(path)
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := storage.PutPeaks(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
			log.Fatalf("上传失败: %v", err)
		}
		fmt.Printf("已上传: minio://%s/%s\n", bucket, key)
	},
}

// inspectPeaksFile 按扩展名解析波形文件，返回内容类型和峰值个数
func inspectPeaksFile(path string, data []byte) (string, int, error) {
	var (
		values      []float64
		err         error
		contentType string
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		contentType = "application/json"
		values, err = peaks.ParseJSONPeaks(bytes.NewReader(data))
	case ".png":
		contentType = "image/png"
		values, err = peaks.ParseRasterPeaks(bytes.NewReader(data))
	case ".webp":
		contentType = "image/webp"
		values, err = peaks.ParseRasterPeaks(bytes.NewReader(data))
	default:
		return "", 0, fmt.Errorf("unsupported waveform file %s", filepath.Ext(path))
	}
	if err != nil {
		return "", 0, err
	}
	if len(values) == 0 {
		return "", 0, fmt.Errorf("waveform file has no peaks")
	}
	return contentType, len(values), nil
}

func init() {
	rootCmd.AddCommand(peaksCmd)
	peaksCmd.AddCommand(peaksExtractCmd, peaksUploadCmd)

	peaksExtractCmd.Flags().StringVarP(&peaksKind, "kind", "k", string(model.WaveformJSON), "波形类型: json_peaks 或 raster_image")
	peaksExtractCmd.Flags().Float64VarP(&peaksDuration, "duration", "d", 0, "曲目时长（秒），大于 0 时按渲染参数重采样")
	peaksExtractCmd.Flags().BoolVar(&peaksPrint, "print", false, "以 JSON 输出峰值")

	peaksUploadCmd.Flags().StringVarP(&peaksBucket, "bucket", "b", "", "目标存储桶，默认 MINIO_BUCKET")
	peaksUploadCmd.Flags().StringVar(&peaksKey, "key", "", "对象键，默认 peaks/<文件名>")

	peaksCmd.Example = `  # 提取 JSON 峰值并按 180 秒重采样
  waveplay peaks extract https://cdn.example.com/peaks/1.json -d 180

  # 提取对象存储中的栅格波形
  waveplay peaks extract minio://waveforms/peaks/1.png -k raster_image

  # 上传波形文件
  waveplay peaks upload ./1.json --key peaks/1.json`
}
