package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"peerplat/game"
)

type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorJSON(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

// NewRouter 对等端的 HTTP 入口：对端接入、会话控制、输入与管理监控
func NewRouter(peer *Peer, registry *Registry, frames *FrameStore) chi.Router {
	h := &handlers{peer: peer, registry: registry, frames: frames}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ws", h.handleWS)
	r.Get("/metrics", h.handleMetrics)
	r.Get("/state", h.handleState)
	r.Post("/input", h.handleInput)

	r.Route("/admin", func(sub chi.Router) {
		sub.Get("/config", h.handleGetConfig)
		sub.Post("/config", h.handlePostConfig)
	})
	r.Route("/session", func(sub chi.Router) {
		sub.Get("/", h.handleSession)
		sub.Post("/open", h.handleOpen)
		sub.Post("/connect", h.handleConnect)
		sub.Post("/close", h.handleClose)
	})
	return r
}

type handlers struct {
	peer     *Peer
	registry *Registry
	frames   *FrameStore
}

// handleWS 对端按会话码接入：先占用会话码再升级，避免同一会话码接入两个对端
// GET /ws?session=<code>
func (h *handlers) handleWS(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("session")
	if code == "" {
		code = r.URL.Query().Get("room")
	}
	switch err := h.registry.Claim(code); {
	case errors.Is(err, ErrUnknownSession):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, ErrSessionTaken):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	l, err := AcceptLink(w, r, h.peer.linkOpts)
	if err != nil {
		h.registry.Release(code)
		Log.Warnw("upgrade failed", "session", code, "err", err)
		return
	}
	if err := h.registry.Deliver(code, l); err != nil {
		Log.Warnw("link not delivered", "session", code, "err", err)
		return
	}
	Log.Infow("peer joined", "session", code, "remote", r.RemoteAddr)
}

// handleMetrics 输出运行指标
// GET /metrics
func (h *handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"offers":  h.registry.Len(),
		"metrics": h.peer.Metrics().Snapshot(),
	}
	if f := h.frames.Latest(); f != nil {
		payload["tick"] = f.Tick
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleState 最近绘制的一帧
// GET /state
func (h *handlers) handleState(w http.ResponseWriter, r *http.Request) {
	f := h.frames.Latest()
	if f == nil {
		errorJSON(w, http.StatusServiceUnavailable, "no frame drawn yet")
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// handleInput 设置本地按键 {"left":bool,"right":bool,"up":bool}
// POST /input
func (h *handlers) handleInput(w http.ResponseWriter, r *http.Request) {
	var in game.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.peer.SetInput(r.Context(), in); err != nil {
		errorJSON(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type sessionView struct {
	ID     string       `json:"id,omitempty"`
	State  SessionState `json:"state"`
	Role   Role         `json:"role"`
	Status []string     `json:"status"`
}

// handleSession 当前会话与状态日志
// GET /session
func (h *handlers) handleSession(w http.ResponseWriter, r *http.Request) {
	f, err := h.peer.State(r.Context())
	if err != nil {
		errorJSON(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessionView{ID: f.SessionID, State: f.State, Role: f.Role, Status: f.Status})
}

// handleOpen 发起会话，返回会话码
// POST /session/open
func (h *handlers) handleOpen(w http.ResponseWriter, r *http.Request) {
	code, err := h.peer.Open(r.Context())
	if err != nil {
		errorJSON(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session": code})
}

// handleConnect 接入对端 {"remote":"host:port","session":"<code>"}
// POST /session/connect
func (h *handlers) handleConnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Remote  string `json:"remote"`
		Session string `json:"session"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.Remote == "" {
		errorJSON(w, http.StatusBadRequest, "remote is required")
		return
	}
	if err := h.peer.Connect(r.Context(), body.Remote, body.Session); err != nil {
		errorJSON(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleClose 结束当前会话
// POST /session/close
func (h *handlers) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := h.peer.Close(r.Context()); err != nil {
		errorJSON(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownSession):
		return http.StatusNotFound
	case errors.Is(err, ErrSessionActive), errors.Is(err, ErrSessionTaken),
		errors.Is(err, ErrNoSession), errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrPeerStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// paramsPatch 物理参数的部分更新，未给出的字段保持不变
type paramsPatch struct {
	Mode         *game.Mode `json:"mode,omitempty"`
	Gravity      *float64   `json:"gravity,omitempty"`
	Speed        *float64   `json:"speed,omitempty"`
	JumpVelocity *float64   `json:"jumpVelocity,omitempty"`
	BarrierPush  *float64   `json:"barrierPush,omitempty"`
	MaxFallSpeed *float64   `json:"maxFallSpeed,omitempty"`
	Accel        *float64   `json:"accel,omitempty"`
	MaxVX        *float64   `json:"maxVX,omitempty"`
	FrictionAir  *float64   `json:"frictionAir,omitempty"`
}

func (pp paramsPatch) apply(p *game.Params) error {
	if pp.Mode != nil {
		switch *pp.Mode {
		case game.ModeVelocity, game.ModeForce:
			p.Mode = *pp.Mode
		default:
			return fmt.Errorf("unknown mode %q", *pp.Mode)
		}
	}
	set := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	set(&p.Gravity, pp.Gravity)
	set(&p.Speed, pp.Speed)
	set(&p.JumpVelocity, pp.JumpVelocity)
	set(&p.BarrierPush, pp.BarrierPush)
	set(&p.MaxFallSpeed, pp.MaxFallSpeed)
	set(&p.Accel, pp.Accel)
	set(&p.MaxVX, pp.MaxVX)
	set(&p.FrictionAir, pp.FrictionAir)
	if p.FrictionAir < 0 || p.FrictionAir >= 1 {
		return fmt.Errorf("frictionAir must be in [0, 1), got %v", p.FrictionAir)
	}
	return nil
}

// handleGetConfig 当前物理参数
// GET /admin/config
func (h *handlers) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	p, err := h.peer.Params(r.Context())
	if err != nil {
		errorJSON(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePostConfig 以 JSON 载荷更新部分物理参数（热更新）
// POST /admin/config
func (h *handlers) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	var body paramsPatch
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid json")
		return
	}
	p, err := h.peer.UpdateParams(r.Context(), body.apply)
	if err != nil {
		errorJSON(w, http.StatusBadRequest, err.Error())
		return
	}
	Log.Infof("config updated: mode=%s gravity=%.1f speed=%.1f jump=%.1f push=%.1f",
		p.Mode, p.Gravity, p.Speed, p.JumpVelocity, p.BarrierPush)
	writeJSON(w, http.StatusOK, p)
}
