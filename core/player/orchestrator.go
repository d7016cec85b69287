package player

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"waveplay/core/events"
	"waveplay/core/loader"
	"waveplay/core/media"
	"waveplay/core/queue"
	"waveplay/logger"
	"waveplay/model"
)

// TrackLoader 曲目加载器
type TrackLoader interface {
	Load(ctx context.Context, track model.Track, autoplay bool) (loader.Outcome, error)
	Stop()
	CurrentPeaks() []float64
}

// Equalizer 均衡器协调器中编排器用到的部分
type Equalizer interface {
	SetConstrainedOptIn(enabled bool)
}

// Preferences 持久化的客户端偏好
type Preferences interface {
	RepeatMode(ctx context.Context) (model.RepeatMode, error)
	SetRepeatMode(ctx context.Context, mode model.RepeatMode) error
	Shuffle(ctx context.Context) (bool, error)
	SetShuffle(ctx context.Context, enabled bool) error
	EQConstrainedOptIn(ctx context.Context) (bool, error)
	SetEQConstrainedOptIn(ctx context.Context, enabled bool) error
}

// History 播放记录
type History interface {
	Record(ctx context.Context, entry *model.PlayHistory) error
}

// Catalog 曲库
type Catalog interface {
	List(ctx context.Context, scope string) ([]model.Track, error)
	Search(ctx context.Context, query, scope string) ([]model.Track, error)
}

// Options 编排器依赖，除 Element 和 Loader 外都可以为空
type Options struct {
	Element     media.Element
	Loader      TrackLoader
	Queue       *queue.Manager
	Bus         *events.Bus
	Equalizer   Equalizer
	Preferences Preferences
	History     History
	Catalog     Catalog
	Scope       string
}

// Orchestrator 播放状态机
// 所有状态在同一把锁下修改，每次加载带一个代号，过期加载的结果直接丢弃
type Orchestrator struct {
	el      media.Element
	loader  TrackLoader
	queue   *queue.Manager
	bus     *events.Bus
	eq      Equalizer
	prefs   Preferences
	history History
	catalog Catalog
	scope   string

	mu            sync.Mutex
	status        model.PlaybackStatus
	blocked       bool
	repeat        model.RepeatMode
	current       *model.Track
	transitioning bool
	pausePending  bool // 加载期间收到暂停，加载完成后立即暂停
	lastError     string
	gen           uint64
	cancel        context.CancelFunc
}

// New 创建编排器并接管元素回调
func New(opts Options) *Orchestrator {
	q := opts.Queue
	if q == nil {
		q = queue.NewManager()
	}
	o := &Orchestrator{
		el:      opts.Element,
		loader:  opts.Loader,
		queue:   q,
		bus:     opts.Bus,
		eq:      opts.Equalizer,
		prefs:   opts.Preferences,
		history: opts.History,
		catalog: opts.Catalog,
		scope:   opts.Scope,
		status:  model.StatusIdle,
		repeat:  model.RepeatOff,
	}
	if o.el != nil {
		o.el.SetHandlers(media.Handlers{
			Ended:      o.HandleEnded,
			TimeUpdate: o.handleTimeUpdate,
			Error:      o.handleMediaError,
		})
	}
	return o
}

// Restore 从持久化偏好恢复循环、随机和受限平台均衡器开关
func (o *Orchestrator) Restore(ctx context.Context) {
	if o.prefs == nil {
		return
	}
	if mode, err := o.prefs.RepeatMode(ctx); err != nil {
		logger.Warn("[Player] 读取循环模式失败", logger.ErrorField(err))
	} else {
		o.mu.Lock()
		o.repeat = mode
		o.mu.Unlock()
	}
	if shuffle, err := o.prefs.Shuffle(ctx); err != nil {
		logger.Warn("[Player] 读取随机播放设置失败", logger.ErrorField(err))
	} else {
		o.queue.SetShuffle(shuffle)
	}
	if optIn, err := o.prefs.EQConstrainedOptIn(ctx); err != nil {
		logger.Warn("[Player] 读取均衡器设置失败", logger.ErrorField(err))
	} else if o.eq != nil {
		o.eq.SetConstrainedOptIn(optIn)
	}
}

// activate 用户命令携带手势
func (o *Orchestrator) activate() {
	if a, ok := o.el.(media.Activator); ok {
		a.Activate()
	}
}

// Play 播放队列中的曲目，已经是当前曲目时切换播放/暂停
func (o *Orchestrator) Play(id model.TrackID) error {
	o.activate()

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current != nil && model.SameID(o.current.ID, id) {
		if o.transitioning {
			// 正在加载，重复点击忽略
			return nil
		}
		switch o.status {
		case model.StatusPlaying:
			o.pauseLocked()
			return nil
		case model.StatusPaused:
			return o.resumeLocked("play")
		}
	}

	track, ok := o.queue.Select(id)
	if !ok {
		return NewPlayerError("play", id, ErrTrackNotFound)
	}
	o.startLoadLocked(track, "manual")
	return nil
}

// PlayTrack 直接播放一首歌，不要求在队列中
func (o *Orchestrator) PlayTrack(track model.Track) error {
	if track.SourceURL == "" {
		return NewPlayerError("play", track.ID, media.ErrNoSource)
	}
	o.activate()
	track.Normalize()

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.queue.Select(track.ID); !ok {
		logger.Debug("[Player] 播放队列外的曲目", logger.String("trackId", track.ID.String()))
	}
	o.startLoadLocked(track, "manual")
	return nil
}

// Pause 暂停
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return NewPlayerError("pause", "", ErrNothingLoaded)
	}
	switch {
	case o.transitioning:
		o.pausePending = true
	case o.status == model.StatusPlaying:
		o.pauseLocked()
	}
	return nil
}

func (o *Orchestrator) pauseLocked() {
	o.el.Pause()
	o.status = model.StatusPaused
	o.blocked = false
	o.publishStateLocked()
}

// Resume 继续播放，被拦截的自动播放也通过这里恢复
func (o *Orchestrator) Resume() error {
	o.activate()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return NewPlayerError("resume", "", ErrNothingLoaded)
	}
	if o.transitioning {
		o.pausePending = false
		return nil
	}
	switch o.status {
	case model.StatusPaused:
		return o.resumeLocked("resume")
	case model.StatusEnded, model.StatusIdle, model.StatusError:
		o.startLoadLocked(*o.current, "manual")
	}
	return nil
}

func (o *Orchestrator) resumeLocked(op string) error {
	err := o.el.Play()
	switch {
	case err == nil:
		o.status = model.StatusPlaying
		o.blocked = false
		o.publishStateLocked()
		return nil
	case errors.Is(err, media.ErrAutoplayBlocked):
		o.status = model.StatusPaused
		o.blocked = true
		o.publishBlockedLocked()
		return nil
	default:
		o.failLocked(err)
		return NewPlayerError(op, o.current.ID, err)
	}
}

// Next 手动切到下一首
func (o *Orchestrator) Next() error {
	o.activate()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.queue.Len() == 0 {
		return NewPlayerError("next", "", ErrEmptyQueue)
	}
	track, ok := o.queue.Next(model.CauseManual)
	if !ok {
		return nil
	}
	o.startLoadLocked(track, "manual")
	return nil
}

// Previous 手动切到上一首
func (o *Orchestrator) Previous() error {
	o.activate()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.queue.Len() == 0 {
		return NewPlayerError("previous", "", ErrEmptyQueue)
	}
	track, ok := o.queue.Previous()
	if !ok {
		return nil
	}
	o.startLoadLocked(track, "manual")
	return nil
}

// SeekRelative 相对当前位置跳转
func (o *Orchestrator) SeekRelative(delta float64) error {
	if err := o.requireLoaded("seek"); err != nil {
		return err
	}
	target := o.el.Position() + delta
	if target < 0 {
		target = 0
	}
	if d := o.el.Duration(); d > 0 && target > d {
		target = d
	}
	if err := o.el.Seek(target); err != nil {
		return NewPlayerError("seek", o.currentID(), err)
	}
	return nil
}

// SeekFraction 跳转到总时长的某个比例
func (o *Orchestrator) SeekFraction(fraction float64) error {
	if fraction < 0 || fraction > 1 || math.IsNaN(fraction) {
		return NewPlayerError("seek", "", ErrInvalidSeek)
	}
	if err := o.requireLoaded("seek"); err != nil {
		return err
	}
	d := o.el.Duration()
	if d <= 0 {
		return NewPlayerError("seek", o.currentID(), media.ErrNotSeekable)
	}
	if err := o.el.Seek(fraction * d); err != nil {
		return NewPlayerError("seek", o.currentID(), err)
	}
	return nil
}

func (o *Orchestrator) requireLoaded(op string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return NewPlayerError(op, "", ErrNothingLoaded)
	}
	return nil
}

func (o *Orchestrator) currentID() model.TrackID {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return ""
	}
	return o.current.ID
}

// SetRepeatMode 设置循环模式并持久化
func (o *Orchestrator) SetRepeatMode(ctx context.Context, mode model.RepeatMode) error {
	switch mode {
	case model.RepeatOff, model.RepeatAll, model.RepeatOne:
	default:
		return NewPlayerError("repeat", "", ErrInvalidCommand)
	}
	o.mu.Lock()
	o.repeat = mode
	o.publishStateLocked()
	o.mu.Unlock()

	if o.prefs != nil {
		if err := o.prefs.SetRepeatMode(ctx, mode); err != nil {
			logger.Warn("[Player] 保存循环模式失败", logger.ErrorField(err))
		}
	}
	return nil
}

// SetShuffle 设置随机播放并持久化
func (o *Orchestrator) SetShuffle(ctx context.Context, enabled bool) {
	o.queue.SetShuffle(enabled)
	o.mu.Lock()
	o.publishStateLocked()
	o.mu.Unlock()

	if o.prefs != nil {
		if err := o.prefs.SetShuffle(ctx, enabled); err != nil {
			logger.Warn("[Player] 保存随机播放设置失败", logger.ErrorField(err))
		}
	}
}

// SetEqualizerEnabledOnConstrainedPlatform 受限平台上启用均衡器
// 开启后锁屏/后台播放不再有保证
func (o *Orchestrator) SetEqualizerEnabledOnConstrainedPlatform(ctx context.Context, enabled bool) {
	if o.eq != nil {
		o.eq.SetConstrainedOptIn(enabled)
	}
	if o.prefs != nil {
		if err := o.prefs.SetEQConstrainedOptIn(ctx, enabled); err != nil {
			logger.Warn("[Player] 保存均衡器设置失败", logger.ErrorField(err))
		}
	}
}

// Stop 停止播放回到 Idle
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gen++
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	if o.loader != nil {
		o.loader.Stop()
	}
	o.transitioning = false
	o.pausePending = false
	o.blocked = false
	o.status = model.StatusIdle
	o.publishStateLocked()
}

// ReplaceQueue 整体替换播放队列，按当前曲目ID重新定位游标
func (o *Orchestrator) ReplaceQueue(tracks []model.Track) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	idx := o.queue.Replace(tracks, o.current)
	o.publishStateLocked()
	return idx
}

// LoadLibrary 从曲库加载播放队列
func (o *Orchestrator) LoadLibrary(ctx context.Context, scope string) (int, error) {
	if o.catalog == nil {
		return 0, NewPlayerError("load library", "", ErrNoCatalog)
	}
	if scope == "" {
		scope = o.scope
	}
	tracks, err := o.catalog.List(ctx, scope)
	if err != nil {
		return 0, NewPlayerError("load library", "", err)
	}
	o.ReplaceQueue(tracks)
	logger.Info("[Player] 播放队列已更新",
		logger.String("scope", scope),
		logger.Int("tracks", len(tracks)))
	return len(tracks), nil
}

// Search 搜索曲库，不修改播放队列
func (o *Orchestrator) Search(ctx context.Context, query string) ([]model.Track, error) {
	if o.catalog == nil {
		return nil, NewPlayerError("search", "", ErrNoCatalog)
	}
	tracks, err := o.catalog.Search(ctx, query, o.scope)
	if err != nil {
		return nil, NewPlayerError("search", "", err)
	}
	return tracks, nil
}

// Queue 当前播放队列
func (o *Orchestrator) Queue() []model.Track {
	return o.queue.Tracks()
}

// Peaks 当前曲目的波形峰值
func (o *Orchestrator) Peaks() (model.TrackID, []float64) {
	id := o.currentID()
	if o.loader == nil {
		return id, []float64{}
	}
	return id, o.loader.CurrentPeaks()
}

// Snapshot 当前状态快照
func (o *Orchestrator) Snapshot() model.PlaybackState {
	var pos float64
	if o.el != nil {
		pos = o.el.Position()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.stateLocked()
	st.PositionSeconds = pos
	return st
}

func (o *Orchestrator) stateLocked() model.PlaybackState {
	st := model.PlaybackState{
		Status:          o.status,
		Blocked:         o.blocked,
		RepeatMode:      o.repeat,
		ShuffleEnabled:  o.queue.Shuffle(),
		CurrentIndex:    o.queue.Index(),
		QueueLength:     o.queue.Len(),
		IsTransitioning: o.transitioning,
		LastError:       o.lastError,
	}
	if o.current != nil {
		t := *o.current
		st.CurrentTrack = &t
	}
	return st
}

// HandleEnded 曲目自然结束
// 按循环模式同步决定下一步，加载中收到的重复结束信号直接忽略
func (o *Orchestrator) HandleEnded() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.transitioning || o.current == nil {
		logger.Debug("[Player] 忽略结束信号", logger.Bool("transitioning", o.transitioning))
		return
	}
	if o.status != model.StatusPlaying && o.status != model.StatusPaused {
		return
	}

	ended := *o.current
	o.status = model.StatusEnded
	o.publish(events.TypeTrackEnded, events.TrackEnded{ID: ended.ID})

	switch {
	case o.repeat == model.RepeatOne:
		o.startLoadLocked(ended, "repeat")
	case o.repeat == model.RepeatAll && o.queue.Len() > 0:
		next, ok := o.queue.Next(model.CauseAutoAdvance)
		if !ok {
			// 单曲队列，循环全部等价于重播
			next = ended
		}
		o.startLoadLocked(next, model.CauseAutoAdvance.String())
	default:
		o.status = model.StatusIdle
		o.publishStateLocked()
	}
}

// startLoadLocked 取消进行中的加载并开始新的加载
func (o *Orchestrator) startLoadLocked(track model.Track, cause string) {
	o.gen++
	gen := o.gen
	if o.cancel != nil {
		o.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	t := track
	o.current = &t
	o.status = model.StatusLoading
	o.blocked = false
	o.transitioning = true
	o.pausePending = false
	o.lastError = ""

	o.publish(events.TypeTrackChanged, events.TrackChanged{ID: track.ID})
	o.publishStateLocked()

	logger.Info("[Player] 切换曲目",
		logger.String("trackId", track.ID.String()),
		logger.String("title", track.Metadata.Title),
		logger.String("cause", cause))

	go o.runLoad(ctx, gen, track, cause)
}

func (o *Orchestrator) runLoad(ctx context.Context, gen uint64, track model.Track, cause string) {
	var (
		outcome loader.Outcome
		err     error
	)
	if o.loader == nil {
		err = errors.New("no track loader")
	} else {
		outcome, err = o.loader.Load(ctx, track, true)
	}

	o.mu.Lock()
	if gen != o.gen {
		// 已被更新的加载取代
		o.mu.Unlock()
		return
	}
	o.transitioning = false
	o.cancel = nil
	pause := o.pausePending
	o.pausePending = false

	started := false
	switch {
	case err != nil:
		o.failLocked(err)
	case outcome == loader.OutcomeStarted && pause:
		logger.Info("[Player] 加载期间已暂停，不开始播放", logger.String("trackId", track.ID.String()))
		o.pauseLocked()
	case outcome == loader.OutcomeStarted:
		o.status = model.StatusPlaying
		o.publishStateLocked()
		started = true
	case outcome == loader.OutcomeBlocked:
		o.status = model.StatusPaused
		o.blocked = true
		o.publishBlockedLocked()
	default:
		o.status = model.StatusPaused
		o.publishStateLocked()
	}
	o.mu.Unlock()

	if started {
		o.recordHistory(track, cause)
	}
}

func (o *Orchestrator) recordHistory(track model.Track, cause string) {
	if o.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entry := &model.PlayHistory{
		TrackID:   track.ID.String(),
		Title:     track.Metadata.Title,
		Artist:    track.Metadata.Artist,
		Transport: string(track.Transport),
		Cause:     cause,
		PlayedAt:  time.Now(),
	}
	if err := o.history.Record(ctx, entry); err != nil {
		logger.Warn("[Player] 写入播放记录失败",
			logger.String("trackId", track.ID.String()),
			logger.ErrorField(err))
	}
}

func (o *Orchestrator) failLocked(err error) {
	o.status = model.StatusError
	o.blocked = false
	o.lastError = err.Error()
	var id model.TrackID
	if o.current != nil {
		id = o.current.ID
	}
	o.publish(events.TypeError, events.Error{ID: id, Message: err.Error()})
	o.publishStateLocked()
}

func (o *Orchestrator) handleTimeUpdate(current, duration float64) {
	o.publish(events.TypeTimeUpdated, events.TimeUpdated{CurrentSeconds: current, DurationSeconds: duration})
}

// handleMediaError 播放过程中的媒体错误，加载阶段的错误由加载器处理
func (o *Orchestrator) handleMediaError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.transitioning || o.current == nil {
		return
	}
	logger.Error("[Player] 播放出错",
		logger.String("trackId", o.current.ID.String()),
		logger.ErrorField(err))
	o.failLocked(err)
}

func (o *Orchestrator) publishStateLocked() {
	var ref *model.Track
	if o.current != nil {
		t := *o.current
		ref = &t
	}
	o.publish(events.TypePlaybackStateChanged, events.PlaybackStateChanged{
		Playing: o.status == model.StatusPlaying,
		Status:  o.status,
		Track:   ref,
	})
}

func (o *Orchestrator) publishBlockedLocked() {
	if o.current != nil {
		o.publish(events.TypeAutoplayBlocked, events.AutoplayBlocked{Track: *o.current})
	}
	o.publishStateLocked()
}

func (o *Orchestrator) publish(t events.Type, payload interface{}) {
	if o.bus != nil {
		o.bus.Publish(t, payload)
	}
}
