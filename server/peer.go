package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"

	"peerplat/config"
	"peerplat/game"
	"peerplat/wire"
)

var (
	ErrSessionActive = errors.New("a session is already active")
	ErrNoSession     = errors.New("no active session")
	ErrSuperseded    = errors.New("session superseded")
	ErrPeerStopped   = errors.New("peer stopped")
)

const statusLines = 50

// Peer 对等端的会话上下文：关卡、实体、角色与链路都归渲染循环协程所有。
// 外部调用通过 cmds 投递到循环协程执行，链路数据通过 events 推送
type Peer struct {
	cfg      config.Config
	codec    wire.Codec
	linkOpts LinkOptions
	registry *Registry
	renderer Renderer
	dial     func(ctx context.Context, remote, code string, opts LinkOptions) (Link, error)
	metrics  *Metrics

	cmds chan func()
	done chan struct{}

	// 以下字段只在循环协程内访问
	session  Session
	events   <-chan LinkEvent
	level    *game.Level
	entity   game.Entity
	params   game.Params
	local    game.Input
	remote   game.Input
	lastKeys game.Input
	limiter  *rate.Limiter
	tickSeq  uint64
	acc      float64
	last     time.Time
	status   []string
}

// NewPeer 创建空闲对等端。level 在两端须由同一关卡源构建
func NewPeer(cfg config.Config, level *game.Level, registry *Registry, renderer Renderer) (*Peer, error) {
	codec, err := wire.CodecByName(cfg.Transport.Codec)
	if err != nil {
		return nil, err
	}
	if renderer == nil {
		renderer = Renderers(nil)
	}
	burst := max(int(math.Ceil(cfg.Transport.KeyStateRate/10)), 1)
	return &Peer{
		cfg:      cfg,
		codec:    codec,
		linkOpts: LinkOptionsFrom(cfg.Transport, codec),
		registry: registry,
		renderer: renderer,
		dial:     DialLink,
		metrics:  &Metrics{},
		cmds:     make(chan func(), 64),
		done:     make(chan struct{}),
		level:    level,
		entity:   level.NewEntity(),
		params:   cfg.Physics,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Transport.KeyStateRate), burst),
	}, nil
}

// Metrics 运行指标
func (p *Peer) Metrics() *Metrics { return p.metrics }

// post 投递到循环协程，不等待执行
func (p *Peer) post(fn func()) bool {
	select {
	case p.cmds <- fn:
		return true
	case <-p.done:
		return false
	}
}

// do 投递到循环协程并等待执行完成
func (p *Peer) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case p.cmds <- func() { fn(); close(ran) }:
	case <-p.done:
		return ErrPeerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-p.done:
		return ErrPeerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open 发起会话并成为权威端，返回供对端接入的会话码
func (p *Peer) Open(ctx context.Context) (string, error) {
	var (
		code string
		err  error
	)
	if derr := p.do(ctx, func() { code, err = p.openSession() }); derr != nil {
		return "", derr
	}
	return code, err
}

// Connect 按会话码接入对端并成为观察端
func (p *Peer) Connect(ctx context.Context, remote, code string) error {
	var (
		gen uint64
		err error
	)
	if derr := p.do(ctx, func() { gen, err = p.beginConnect(code) }); derr != nil {
		// beginConnect 可能已排队，之后仍会执行
		go p.post(func() {
			if err == nil && gen != 0 {
				p.abandonConnect(gen, derr)
			}
		})
		return derr
	}
	if err != nil {
		return err
	}

	l, err := p.dial(ctx, remote, code, p.linkOpts)
	if err != nil {
		p.post(func() { p.connectFailed(gen, err) })
		return err
	}
	if derr := p.do(ctx, func() { err = p.linkConnected(gen, l) }); derr != nil {
		// linkConnected 可能已排队，之后仍会执行，由 abandonConnect 收尾
		_ = l.Close()
		go p.post(func() { p.abandonConnect(gen, derr) })
		return derr
	}
	return err
}

// Close 结束当前会话
func (p *Peer) Close(ctx context.Context) error {
	var err error
	if derr := p.do(ctx, func() { err = p.endSession(StateClosed, nil) }); derr != nil {
		return derr
	}
	return err
}

// SetInput 更新本地按键
func (p *Peer) SetInput(ctx context.Context, in game.Input) error {
	return p.do(ctx, func() { p.setInput(in) })
}

// Params 当前物理参数
func (p *Peer) Params(ctx context.Context) (game.Params, error) {
	var out game.Params
	err := p.do(ctx, func() { out = p.params })
	return out, err
}

// UpdateParams 在循环协程内修改物理参数（热更新）
func (p *Peer) UpdateParams(ctx context.Context, fn func(*game.Params) error) (game.Params, error) {
	var (
		out game.Params
		err error
	)
	if derr := p.do(ctx, func() {
		next := p.params
		if err = fn(&next); err == nil {
			p.params = next
		}
		out = p.params
	}); derr != nil {
		return out, derr
	}
	return out, err
}

func (p *Peer) openSession() (string, error) {
	if p.session.State.Active() {
		return "", fmt.Errorf("%w: %s", ErrSessionActive, p.session.ID)
	}
	code := NewSessionCode()
	gen := p.session.Gen + 1
	if err := p.registry.Offer(code, func(l Link) bool {
		return p.post(func() { p.linkAccepted(gen, code, l) })
	}); err != nil {
		return "", err
	}
	if err := p.session.begin(code, RoleAuthoritative); err != nil {
		p.registry.Withdraw(code)
		return "", err
	}
	p.acc, p.last = 0, time.Time{}
	p.statusf("Your room code is: %s", code)
	p.statusf("Waiting for player...")
	return code, nil
}

// linkAccepted 对端接入了本端发起的会话
func (p *Peer) linkAccepted(gen uint64, code string, l Link) {
	if p.session.Gen != gen || p.session.State != StateConnecting {
		Log.Warnw("rejecting link for stale session", "session", code)
		_ = l.Close()
		return
	}
	p.attach(l)
	p.statusf("Player connected!")
}

func (p *Peer) beginConnect(code string) (uint64, error) {
	if code == "" {
		p.statusf("Room code not provided")
		return 0, fmt.Errorf("%w: empty session code", ErrUnknownSession)
	}
	if p.session.State.Active() {
		return 0, fmt.Errorf("%w: %s", ErrSessionActive, p.session.ID)
	}
	if err := p.session.begin(code, RoleObserver); err != nil {
		return 0, err
	}
	p.statusf("Trying to connect to room: %s", code)
	return p.session.Gen, nil
}

func (p *Peer) connectFailed(gen uint64, err error) {
	if p.session.Gen != gen || p.session.State != StateConnecting {
		return
	}
	_ = p.endSession(StateErrored, err)
}

// abandonConnect 调用方放弃了接入，结束仍属于该次接入的会话
func (p *Peer) abandonConnect(gen uint64, cause error) {
	if p.session.Gen != gen || !p.session.State.Active() {
		return
	}
	_ = p.endSession(StateClosed, cause)
}

func (p *Peer) linkConnected(gen uint64, l Link) error {
	if p.session.Gen != gen || p.session.State != StateConnecting {
		_ = l.Close()
		return ErrSuperseded
	}
	p.attach(l)
	p.statusf("Connected to game!")
	return nil
}

func (p *Peer) attach(l Link) {
	p.session.link = l
	_ = p.session.transition(StateOpen)
	p.events = l.Events()
	p.lastKeys = game.Input{}
	p.metrics.IncSessionsOpened()
	Log.Infow("session open", "session", p.session.ID, "role", p.session.Role)
}

// endSession 结束会话：关闭链路、撤销会话码、清空角色。
// 实体与障碍物保持原样，观察端停在最后应用的快照
func (p *Peer) endSession(to SessionState, cause error) error {
	if !p.session.State.Active() {
		return ErrNoSession
	}
	wasHost := p.session.Role == RoleAuthoritative
	l, err := p.session.end(to)
	if err != nil {
		return err
	}
	if l != nil {
		_ = l.Close()
	}
	if wasHost {
		p.registry.Withdraw(p.session.ID)
	}
	p.events = nil
	p.remote = game.Input{}

	switch {
	case cause != nil:
		p.metrics.IncSessionsErrored()
		p.statusf("Connection error: %v", cause)
	case wasHost:
		p.statusf("Session closed")
	default:
		p.statusf("Disconnected from host")
	}
	Log.Infow("session ended", "session", p.session.ID, "state", p.session.State, "err", cause)
	return nil
}

func (p *Peer) setInput(in game.Input) {
	p.local = in
	if p.session.Role != RoleObserver || p.session.State != StateOpen || !p.cfg.Transport.ForwardInput {
		return
	}
	if in == p.lastKeys {
		return
	}
	b, err := wire.EncodeKeyState(p.codec, in)
	if err != nil {
		Log.Errorw("encode keyState", "err", err)
		return
	}
	if err := p.session.link.Send(b); err != nil {
		if errors.Is(err, ErrSendQueueFull) {
			p.metrics.IncSendQueueFull()
		}
		return
	}
	p.lastKeys = in
}

// handleEvent 处理链路推送：数据立即应用，终止事件结束会话
func (p *Peer) handleEvent(ev LinkEvent) {
	if ev.Closed {
		if ev.Err != nil {
			_ = p.endSession(StateErrored, ev.Err)
		} else {
			_ = p.endSession(StateClosed, nil)
		}
		return
	}

	msg, err := wire.Decode(p.codec, ev.Data)
	if err != nil {
		p.metrics.IncMessagesDropped()
		Log.Warnw("dropping message", "session", p.session.ID, "bytes", len(ev.Data), "err", err)
		return
	}

	switch m := msg.(type) {
	case *wire.Snapshot:
		if !p.session.Role.AppliesSnapshots() {
			p.metrics.IncSnapshotsIgnored()
			return
		}
		res := m.Apply(&p.entity, p.level.Obstacles)
		if res.Unmatched > 0 {
			Log.Debugw("snapshot obstacles unmatched", "count", res.Unmatched)
		}
		p.level.Sync()
		p.metrics.IncSnapshotsApplied()
		if speed := math.Hypot(p.entity.VX, p.entity.VY); p.cfg.Transport.FastSpeed > 0 && speed > p.cfg.Transport.FastSpeed {
			Log.Debugf("Fast movement detected! Speed: %.2f", speed)
		}
	case *wire.KeyState:
		if !p.session.Role.RunsSimulation() {
			return
		}
		if !p.limiter.Allow() {
			p.metrics.IncKeyStatesLimited()
			return
		}
		p.remote = m.Keys
		p.metrics.IncKeyStatesAccepted()
	}
}

func (p *Peer) statusf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	Log.Info(line)
	p.status = append(p.status, time.Now().Format("15:04:05")+" "+line)
	if n := len(p.status); n > statusLines {
		p.status = append(p.status[:0:0], p.status[n-statusLines:]...)
	}
}
