package cmd

import (
	"context"

	"github.com/faiface/beep"

	"waveplay/cache"
	"waveplay/config"
	"waveplay/core/catalog"
	"waveplay/core/equalizer"
	"waveplay/core/events"
	"waveplay/core/loader"
	"waveplay/core/media"
	"waveplay/core/peaks"
	"waveplay/core/player"
	"waveplay/core/queue"
	"waveplay/db"
	"waveplay/logger"
	"waveplay/metrics"
	"waveplay/repository"
	"waveplay/storage"
)

// app 组装完成的播放引擎
type app struct {
	bus     *events.Bus
	eq      *equalizer.Coordinator
	loader  *loader.Loader
	player  *player.Orchestrator
	history repository.PlayHistoryRepository
	metrics *metrics.Metrics

	closers []func()
}

func renderConfig(c *config.Config) peaks.RenderConfig {
	return peaks.RenderConfig{
		PixelsPerSecond: c.PixelsPerSecond,
		BarWidth:        c.BarWidth,
		BarGap:          c.BarGap,
	}
}

// newFetcher 音频和波形共用的资源获取器
// 配置了 MinIO 时额外支持 minio:// 和 s3:// 地址
func newFetcher(c *config.Config) *peaks.MultiFetcher {
	httpFetcher := peaks.NewHTTPFetcher(c.CatalogAPIURL)
	mf := peaks.NewMultiFetcher().
		Register("http", httpFetcher).
		Register("https", httpFetcher)

	if c.MinioEndpoint == "" {
		return mf
	}
	if err := storage.InitMinio(c); err != nil {
		logger.Warn("[App] MinIO 不可用，对象存储中的波形将无法加载", logger.ErrorField(err))
		return mf
	}
	objects := storage.NewPeakObjectFetcher(storage.GetMinioClient(), c.MinioBucket)
	mf.Register("minio", objects).Register("s3", objects)
	return mf
}

// newApp 按配置组装播放引擎，外部服务不可用时降级为进程内实现
func newApp(c *config.Config) *app {
	a := &app{
		bus:     events.NewBus(),
		metrics: metrics.New(),
	}
	a.closers = append(a.closers, a.bus.Close)

	// 偏好和峰值缓存
	var prefs interface {
		player.Preferences
		equalizer.PresetStore
	}
	var peakCache peaks.Cache
	if err := cache.ConnectRedis(c); err != nil {
		logger.Warn("[App] Redis 不可用，偏好只保存在内存中", logger.ErrorField(err))
		prefs = cache.NewMemoryPreferences()
	} else {
		prefs = cache.NewRedisPreferences(cache.RedisClient)
		peakCache = cache.NewPeakCache(cache.RedisClient)
		a.closers = append(a.closers, func() { cache.CloseRedis() })
	}

	// 播放记录
	if err := db.ConnectGormDB(c); err != nil {
		logger.Warn("[App] 数据库不可用，不记录播放历史", logger.ErrorField(err))
	} else if err := db.AutoMigrateModels(); err != nil {
		logger.Warn("[App] 播放记录表迁移失败", logger.ErrorField(err))
	} else {
		a.history = repository.NewGormPlayHistoryRepository(db.GormDB)
		a.closers = append(a.closers, func() { db.CloseGormDB() })
	}

	fetcher := newFetcher(c)
	extractor := peaks.NewExtractor(fetcher, peakCache)
	extractor.SetMetrics(a.metrics)

	el := media.NewBeepElement(fetcher, media.BeepOptions{
		SampleRate:      beep.SampleRate(c.AudioSampleRate),
		RequiresGesture: c.PlatformConstrained,
	})

	presets, err := equalizer.LoadPresets(c.EQPresetsFile)
	if err != nil {
		logger.Warn("[App] 读取均衡器预设失败，使用内置预设",
			logger.String("file", c.EQPresetsFile),
			logger.ErrorField(err))
		presets = equalizer.BuiltinPresets()
	}
	a.eq = equalizer.NewCoordinator(el, equalizer.Options{
		Constrained:        c.PlatformConstrained,
		ConstrainedTimeout: c.EQTimeoutConstrained,
		DesktopTimeout:     c.EQTimeoutDesktop,
		Store:              prefs,
		Presets:            presets,
		Metrics:            a.metrics,
	})

	client := catalog.NewClient(c.CatalogAPIURL)
	a.loader = loader.New(loader.Options{
		Element:   el,
		Peaks:     extractor,
		Renderer:  events.NewWaveformRenderer(a.bus),
		Decoders:  media.NewSegmentDecoderFactory(fetcher),
		Gate:      a.eq,
		Refresher: client,
		Presets:   a.eq,
		Render:    renderConfig(c),
		Metrics:   a.metrics,
	})

	opts := player.Options{
		Element:     el,
		Loader:      a.loader,
		Queue:       queue.NewManager(),
		Bus:         a.bus,
		Equalizer:   a.eq,
		Preferences: prefs,
		Catalog:     client,
		Scope:       c.CatalogScope,
	}
	if a.history != nil {
		opts.History = a.history
	}
	a.player = player.New(opts)
	return a
}

// startNATS 配置了 NATS_URL 时把信号转发到 NATS
func (a *app) startNATS(ctx context.Context, url string) {
	if url == "" {
		return
	}
	pub, err := events.NewNATSPublisher(events.DefaultNATSConfig(url))
	if err != nil {
		logger.Warn("[App] NATS 不可用，信号只在本地广播", logger.ErrorField(err))
		return
	}
	sub := a.bus.Subscribe()
	go pub.Run(ctx, sub)
	a.closers = append(a.closers, func() {
		a.bus.Unsubscribe(sub)
		pub.Close()
	})
	logger.Info("[App] 信号已转发到 NATS", logger.String("url", url))
}

// watchConfig 监听 .env，热更新均衡器超时和波形渲染参数
func (a *app) watchConfig(ctx context.Context, path string) {
	w, err := config.NewWatcher(path)
	if err != nil {
		logger.Warn("[App] 无法监听配置文件", logger.String("path", path), logger.ErrorField(err))
		return
	}
	w.OnReload(func(c *config.Config) {
		a.eq.SetTimeouts(c.EQTimeoutConstrained, c.EQTimeoutDesktop)
		a.loader.SetRenderConfig(renderConfig(c))
		logger.Info("[App] 配置已重新加载",
			logger.Duration("eqTimeoutConstrained", c.EQTimeoutConstrained),
			logger.Duration("eqTimeoutDesktop", c.EQTimeoutDesktop),
			logger.Float64("pixelsPerSecond", c.PixelsPerSecond))
	})
	w.OnError(func(err error) {
		logger.Warn("[App] 配置热更新失败", logger.ErrorField(err))
	})
	go w.Run(ctx)
}

// close 按创建的逆序释放资源
func (a *app) close() {
	a.player.Stop()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
