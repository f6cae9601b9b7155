package server

import (
	"context"
	"errors"
	"time"

	"peerplat/wire"
)

// Run 渲染循环（单协程推进世界）。每帧：权威端模拟并推送快照，随后绘制；
// 链路数据和外部命令在帧间到达即处理。ctx 结束时关闭会话后返回
func (p *Peer) Run(ctx context.Context) error {
	defer close(p.done)
	defer p.shutdown()

	ticker := time.NewTicker(p.cfg.Loop.TickInterval())
	defer ticker.Stop()

	Log.Infof("render loop started: fps=%d fixedStep=%v mode=%s", p.cfg.Loop.FPS, p.cfg.Loop.FixedStep, p.params.Mode)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			p.tick(now)
		case fn := <-p.cmds:
			fn()
		case ev, ok := <-p.events:
			if !ok {
				p.linkGone()
				continue
			}
			p.handleEvent(ev)
		}
	}
}

func (p *Peer) shutdown() {
	if p.session.State.Active() {
		_ = p.endSession(StateClosed, nil)
	}
	Log.Info("render loop stopped")
}

// linkGone 事件通道关闭但没有收到终止事件，按链路已关闭结束会话
func (p *Peer) linkGone() {
	p.events = nil
	if p.session.State.Active() {
		_ = p.endSession(StateClosed, ErrLinkClosed)
	}
}

// drain 处理已到达的链路事件，保证本帧绘制的是最新快照
func (p *Peer) drain() {
	for p.events != nil {
		select {
		case ev, ok := <-p.events:
			if !ok {
				p.linkGone()
				return
			}
			p.handleEvent(ev)
		default:
			return
		}
	}
}

// tick 一帧：处理输入 → 推进世界 → 推送快照 → 绘制
func (p *Peer) tick(now time.Time) {
	start := time.Now()
	p.tickSeq++
	p.drain()

	if p.session.Role.RunsSimulation() {
		in := p.local
		if p.cfg.Transport.RemoteControl {
			in = in.Merge(p.remote)
		}
		steps := p.stepsDue(now)
		dt := p.cfg.Loop.StepSeconds()
		for range steps {
			p.entity = p.level.Step(p.entity, in, dt, p.params)
		}
		p.metrics.IncSimSteps(steps)
		if p.session.State == StateOpen {
			p.sendSnapshot()
		}
	}

	p.renderer.Draw(p.frame())
	p.metrics.AddTick(time.Since(start))
}

// stepsDue 本帧应推进的步数。默认每帧一步；固定步长模式按流逝时间累加，
// 单帧补算超过上限时丢弃积压
func (p *Peer) stepsDue(now time.Time) int {
	if !p.cfg.Loop.FixedStep {
		return 1
	}
	if p.last.IsZero() {
		p.last = now
		return 1
	}
	dt := p.cfg.Loop.StepSeconds()
	p.acc += now.Sub(p.last).Seconds()
	p.last = now
	n := int(p.acc / dt)
	if n > p.cfg.Loop.MaxStepsPerTick {
		Log.Debugw("dropping simulation backlog", "steps", n-p.cfg.Loop.MaxStepsPerTick)
		p.acc = 0
		return p.cfg.Loop.MaxStepsPerTick
	}
	p.acc -= float64(n) * dt
	return n
}

func (p *Peer) sendSnapshot() {
	b, err := wire.EncodeSnapshot(p.codec, p.entity, p.level.Obstacles)
	if err != nil {
		Log.Errorw("encode snapshot", "err", err)
		return
	}
	switch err := p.session.link.Send(b); {
	case err == nil:
		p.metrics.IncSnapshotsSent()
	case errors.Is(err, ErrSendQueueFull):
		p.metrics.IncSendQueueFull()
	}
}

func (p *Peer) frame() *Frame {
	f := &Frame{
		Tick:       p.tickSeq,
		Role:       p.session.Role,
		State:      p.session.State,
		SessionID:  p.session.ID,
		Width:      p.level.Width,
		Height:     p.level.Height,
		Obstacles:  make([]ObstacleView, 0, len(p.level.Obstacles)),
		Entity:     entityView(p.entity),
		RemoteKeys: p.remote,
		Status:     append([]string(nil), p.status...),
	}
	for _, o := range p.level.Obstacles {
		b := o.Bounds()
		f.Obstacles = append(f.Obstacles, ObstacleView{ID: o.ID(), Kind: o.Kind().String(), X: b.X, Y: b.Y, W: b.W, H: b.H})
	}
	return f
}

// State 当前帧的只读副本
func (p *Peer) State(ctx context.Context) (*Frame, error) {
	var f *Frame
	err := p.do(ctx, func() { f = p.frame() })
	return f, err
}
