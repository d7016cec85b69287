package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"waveplay/core/equalizer"
	"waveplay/core/media"
	"waveplay/core/player"
	"waveplay/logger"
	"waveplay/model"
	"waveplay/repository"
)

// 命令名称，HTTP 路由和 WebSocket 命令共用
const (
	CmdPlay          = "play"
	CmdPlayTrack     = "play_track"
	CmdPause         = "pause"
	CmdResume        = "resume"
	CmdNext          = "next"
	CmdPrevious      = "previous"
	CmdStop          = "stop"
	CmdSeek          = "seek"
	CmdRepeat        = "repeat"
	CmdShuffle       = "shuffle"
	CmdEQConstrained = "eq_constrained"
	CmdEQBands       = "eq_bands"
	CmdEQBand        = "eq_band"
	CmdEQPreset      = "eq_preset"
	CmdEQSave        = "eq_save"
	CmdQueue         = "queue"
)

// PlayerHandler 播放器命令接口
type PlayerHandler struct {
	player  *player.Orchestrator
	eq      *equalizer.Coordinator
	history repository.PlayHistoryRepository
}

// NewPlayerHandler 创建处理器，eq 和 history 可以为空
func NewPlayerHandler(p *player.Orchestrator, eq *equalizer.Coordinator, history repository.PlayHistoryRepository) *PlayerHandler {
	return &PlayerHandler{player: p, eq: eq, history: history}
}

type playArgs struct {
	ID model.TrackID `json:"id"`
}

type seekArgs struct {
	Delta    *float64 `json:"delta"`
	Fraction *float64 `json:"fraction"`
}

type repeatArgs struct {
	Mode string `json:"mode"`
}

type toggleArgs struct {
	Enabled *bool `json:"enabled"`
}

type bandsArgs struct {
	Gains []float64 `json:"gains"`
}

type bandArgs struct {
	Band int     `json:"band"`
	Gain float64 `json:"gain"`
}

type presetArgs struct {
	Name string `json:"name"`
}

type queueArgs struct {
	Scope  string        `json:"scope"`
	Tracks []model.Track `json:"tracks"`
}

// QueueResult 更新队列的结果
type QueueResult struct {
	Count int `json:"count"`
	Index int `json:"index"`
}

// EqualizerState 均衡器状态
type EqualizerState struct {
	Bands            [model.BandCount]model.Band `json:"bands"`
	Connected        bool                        `json:"connected"`
	Disabled         bool                        `json:"disabled"`
	ConstrainedOptIn bool                        `json:"constrainedOptIn"`
}

// errBadArgs 参数解析失败
var errBadArgs = errors.New("invalid command arguments")

func decodeArgs(args json.RawMessage, v interface{}) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %v", errBadArgs, err)
	}
	return nil
}

// Execute 执行一条命令，返回值为空时调用方回复状态快照
func (h *PlayerHandler) Execute(ctx context.Context, command string, args json.RawMessage) (interface{}, error) {
	switch command {
	case CmdPlay:
		var a playArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		if a.ID == "" {
			return nil, fmt.Errorf("%w: id is required", errBadArgs)
		}
		return nil, h.player.Play(a.ID)

	case CmdPlayTrack:
		var t model.Track
		if err := decodeArgs(args, &t); err != nil {
			return nil, err
		}
		return nil, h.player.PlayTrack(t)

	case CmdPause:
		return nil, h.player.Pause()

	case CmdResume:
		return nil, h.player.Resume()

	case CmdNext:
		return nil, h.player.Next()

	case CmdPrevious:
		return nil, h.player.Previous()

	case CmdStop:
		h.player.Stop()
		return nil, nil

	case CmdSeek:
		var a seekArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		switch {
		case a.Fraction != nil:
			return nil, h.player.SeekFraction(*a.Fraction)
		case a.Delta != nil:
			return nil, h.player.SeekRelative(*a.Delta)
		}
		return nil, fmt.Errorf("%w: delta or fraction is required", errBadArgs)

	case CmdRepeat:
		var a repeatArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		mode, err := model.ParseRepeatMode(a.Mode)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadArgs, err)
		}
		return nil, h.player.SetRepeatMode(ctx, mode)

	case CmdShuffle:
		enabled, err := decodeToggle(args)
		if err != nil {
			return nil, err
		}
		h.player.SetShuffle(ctx, enabled)
		return nil, nil

	case CmdEQConstrained:
		enabled, err := decodeToggle(args)
		if err != nil {
			return nil, err
		}
		h.player.SetEqualizerEnabledOnConstrainedPlatform(ctx, enabled)
		if h.eq == nil {
			return nil, nil
		}
		return h.equalizerState(), nil

	case CmdEQBands, CmdEQBand, CmdEQPreset, CmdEQSave:
		return h.executeEqualizer(ctx, command, args)

	case CmdQueue:
		var a queueArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		if a.Tracks != nil {
			for i := range a.Tracks {
				a.Tracks[i].Normalize()
			}
			idx := h.player.ReplaceQueue(a.Tracks)
			return QueueResult{Count: len(a.Tracks), Index: idx}, nil
		}
		n, err := h.player.LoadLibrary(ctx, a.Scope)
		if err != nil {
			return nil, err
		}
		return QueueResult{Count: n, Index: h.player.Snapshot().CurrentIndex}, nil
	}

	return nil, player.NewPlayerError(command, "", player.ErrInvalidCommand)
}

func decodeToggle(args json.RawMessage) (bool, error) {
	var a toggleArgs
	if err := decodeArgs(args, &a); err != nil {
		return false, err
	}
	if a.Enabled == nil {
		return false, fmt.Errorf("%w: enabled is required", errBadArgs)
	}
	return *a.Enabled, nil
}

func (h *PlayerHandler) executeEqualizer(ctx context.Context, command string, args json.RawMessage) (interface{}, error) {
	if h.eq == nil {
		return nil, errEqualizerUnavailable
	}
	switch command {
	case CmdEQBands:
		var a bandsArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		if err := h.eq.SetGains(a.Gains); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadArgs, err)
		}
	case CmdEQBand:
		var a bandArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		if err := h.eq.SetBandGain(a.Band, a.Gain); err != nil {
			return nil, fmt.Errorf("%w: %v", errBadArgs, err)
		}
	case CmdEQPreset:
		var a presetArgs
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		if err := h.eq.ApplyNamedPreset(a.Name); err != nil {
			return nil, err
		}
	case CmdEQSave:
		if err := h.eq.SaveTrackPreset(ctx); err != nil {
			return nil, fmt.Errorf("保存均衡器预设失败: %w", err)
		}
	}
	return h.equalizerState(), nil
}

var errEqualizerUnavailable = errors.New("equalizer is not configured")

func (h *PlayerHandler) equalizerState() *EqualizerState {
	if h.eq == nil {
		return nil
	}
	return &EqualizerState{
		Bands:            h.eq.Bands(),
		Connected:        h.eq.Connected(),
		Disabled:         h.eq.Disabled(),
		ConstrainedOptIn: h.eq.ConstrainedOptIn(),
	}
}

// statusFor 把命令错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, player.ErrTrackNotFound):
		return http.StatusNotFound
	case errors.Is(err, player.ErrEmptyQueue),
		errors.Is(err, player.ErrNothingLoaded),
		errors.Is(err, media.ErrNotSeekable):
		return http.StatusConflict
	case errors.Is(err, errBadArgs),
		errors.Is(err, player.ErrInvalidSeek),
		errors.Is(err, player.ErrInvalidCommand),
		errors.Is(err, equalizer.ErrUnknownPreset),
		errors.Is(err, media.ErrNoSource):
		return http.StatusBadRequest
	case errors.Is(err, player.ErrNoCatalog),
		errors.Is(err, errEqualizerUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("[PlayerHandler] 写入响应失败", logger.ErrorField(err))
	}
}

// command 把路由绑定到命令，请求体作为命令参数
func (h *PlayerHandler) command(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var args json.RawMessage
		if r.Body != nil {
			if err := json.NewDecoder(r.Body).Decode(&args); err != nil && !errors.Is(err, io.EOF) {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
		}
		h.respond(w, r, name, args)
	}
}

func (h *PlayerHandler) respond(w http.ResponseWriter, r *http.Request, name string, args json.RawMessage) {
	result, err := h.Execute(r.Context(), name, args)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			logger.Error("[PlayerHandler] 命令执行失败",
				logger.String("command", name),
				logger.ErrorField(err))
		}
		http.Error(w, err.Error(), status)
		return
	}
	if result == nil {
		result = h.player.Snapshot()
	}
	writeJSON(w, http.StatusOK, result)
}

// PlayHandler POST /api/player/play/{id}
func (h *PlayerHandler) PlayHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	args, _ := json.Marshal(playArgs{ID: model.TrackID(id)})
	h.respond(w, r, CmdPlay, args)
}

// StateHandler GET /api/player/state
func (h *PlayerHandler) StateHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.player.Snapshot())
}

// PeaksHandler GET /api/player/peaks
func (h *PlayerHandler) PeaksHandler(w http.ResponseWriter, r *http.Request) {
	id, peaks := h.player.Peaks()
	if peaks == nil {
		peaks = []float64{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":    id,
		"peaks": peaks,
	})
}

// QueueHandler GET /api/player/queue
func (h *PlayerHandler) QueueHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.player.Queue())
}

// SearchHandler GET /api/player/search?q=
func (h *PlayerHandler) SearchHandler(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		http.Error(w, "Search query is required", http.StatusBadRequest)
		return
	}
	tracks, err := h.player.Search(r.Context(), query)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, tracks)
}

// EqualizerHandler GET /api/player/eq
func (h *PlayerHandler) EqualizerHandler(w http.ResponseWriter, r *http.Request) {
	if h.eq == nil {
		http.Error(w, errEqualizerUnavailable.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.equalizerState())
}

// HistoryHandler GET /api/player/history?limit=
func (h *PlayerHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		http.Error(w, "play history is not configured", http.StatusServiceUnavailable)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		logger.Error("[PlayerHandler] 查询播放记录失败", logger.ErrorField(err))
		http.Error(w, "Failed to load play history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// RegisterRoutes 注册播放器路由
func (h *PlayerHandler) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/player").Subrouter()

	api.HandleFunc("/play/{id}", h.PlayHandler).Methods(http.MethodPost)
	api.HandleFunc("/play", h.command(CmdPlayTrack)).Methods(http.MethodPost)
	api.HandleFunc("/pause", h.command(CmdPause)).Methods(http.MethodPost)
	api.HandleFunc("/resume", h.command(CmdResume)).Methods(http.MethodPost)
	api.HandleFunc("/next", h.command(CmdNext)).Methods(http.MethodPost)
	api.HandleFunc("/previous", h.command(CmdPrevious)).Methods(http.MethodPost)
	api.HandleFunc("/stop", h.command(CmdStop)).Methods(http.MethodPost)
	api.HandleFunc("/seek", h.command(CmdSeek)).Methods(http.MethodPost)
	api.HandleFunc("/repeat", h.command(CmdRepeat)).Methods(http.MethodPost)
	api.HandleFunc("/shuffle", h.command(CmdShuffle)).Methods(http.MethodPost)
	api.HandleFunc("/queue", h.command(CmdQueue)).Methods(http.MethodPost)
	api.HandleFunc("/queue", h.QueueHandler).Methods(http.MethodGet)
	api.HandleFunc("/search", h.SearchHandler).Methods(http.MethodGet)
	api.HandleFunc("/state", h.StateHandler).Methods(http.MethodGet)
	api.HandleFunc("/peaks", h.PeaksHandler).Methods(http.MethodGet)
	api.HandleFunc("/history", h.HistoryHandler).Methods(http.MethodGet)

	// 均衡器
	api.HandleFunc("/eq", h.EqualizerHandler).Methods(http.MethodGet)
	api.HandleFunc("/eq/constrained", h.command(CmdEQConstrained)).Methods(http.MethodPost)
	api.HandleFunc("/eq/bands", h.command(CmdEQBands)).Methods(http.MethodPost)
	api.HandleFunc("/eq/band", h.command(CmdEQBand)).Methods(http.MethodPost)
	api.HandleFunc("/eq/preset", h.command(CmdEQPreset)).Methods(http.MethodPost)
	api.HandleFunc("/eq/save", h.command(CmdEQSave)).Methods(http.MethodPost)
}
