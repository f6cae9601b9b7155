package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerplat/config"
	"peerplat/game"
	"peerplat/wire"
)

// pipeLink 进程内链路，两端各持一个
type pipeLink struct {
	events chan LinkEvent
	remote *pipeLink
	closed chan struct{}
	once   sync.Once
}

func newPipe() (*pipeLink, *pipeLink) {
	a := &pipeLink{events: make(chan LinkEvent, 256), closed: make(chan struct{})}
	b := &pipeLink{events: make(chan LinkEvent, 256), closed: make(chan struct{})}
	a.remote, b.remote = b, a
	return a, b
}

func (l *pipeLink) Events() <-chan LinkEvent { return l.events }

func (l *pipeLink) Send(b []byte) error {
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}
	select {
	case l.remote.events <- LinkEvent{Data: b}:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (l *pipeLink) Close() error {
	l.once.Do(func() {
		close(l.closed)
		select {
		case l.remote.events <- LinkEvent{Closed: true}:
		default:
		}
	})
	return nil
}

func newTestPeer(t *testing.T, cfg config.Config) *Peer {
	t.Helper()
	p, err := NewPeer(cfg, game.BuiltinLevel(), NewRegistry(), nil)
	require.NoError(t, err)
	return p
}

// pair 不启动循环，直接在测试协程里建立一对已连通的会话
func pair(t *testing.T, cfg config.Config) (host, obs *Peer, hostLink, obsLink *pipeLink) {
	t.Helper()
	host, obs = newTestPeer(t, cfg), newTestPeer(t, cfg)

	code, err := host.openSession()
	require.NoError(t, err)
	hostLink, obsLink = newPipe()
	host.linkAccepted(host.session.Gen, code, hostLink)
	require.Equal(t, StateOpen, host.session.State)

	gen, err := obs.beginConnect(code)
	require.NoError(t, err)
	require.NoError(t, obs.linkConnected(gen, obsLink))
	require.Equal(t, StateOpen, obs.session.State)
	return host, obs, hostLink, obsLink
}

func motion(e game.Entity) [5]float64 {
	return [5]float64{e.X, e.Y, e.VX, e.VY, e.Angle}
}

var epoch = time.Unix(1700000000, 0)

func at(i int) time.Time { return epoch.Add(time.Duration(i) * time.Second / 60) }

func TestObserverMirrorsAuthoritative(t *testing.T) {
	for _, codec := range []string{"json", "cbor"} {
		t.Run(codec, func(t *testing.T) {
			cfg := config.Default()
			cfg.Transport.Codec = codec
			cfg.Physics.Mode = game.ModeForce
			host, obs, _, _ := pair(t, cfg)
			host.local = game.Input{Right: true}
			obs.local = game.Input{Left: true, Jump: true}

			for i := range 120 {
				host.tick(at(i))
				obs.tick(at(i))
				require.Equal(t, motion(host.entity), motion(obs.entity), "tick %d", i)
			}
			assert.Equal(t, int64(120), host.metrics.SimSteps)
			assert.Equal(t, int64(120), host.metrics.SnapshotsSent)
			assert.Equal(t, int64(0), obs.metrics.SimSteps, "observer never simulates")
			assert.Equal(t, int64(120), obs.metrics.SnapshotsApplied)
		})
	}
}

func TestAuthoritativeIgnoresSnapshots(t *testing.T) {
	host, _, hostLink, _ := pair(t, config.Default())
	host.tick(at(0))
	before := host.entity

	fake := host.entity
	fake.X, fake.Y = 999, 999
	b, err := wire.EncodeSnapshot(wire.JSON, fake, host.level.Obstacles)
	require.NoError(t, err)
	hostLink.events <- LinkEvent{Data: b}

	host.drain()
	assert.Equal(t, before, host.entity)
	assert.Equal(t, int64(1), host.metrics.SnapshotsIgnored)
}

func TestObserverDropsMalformed(t *testing.T) {
	_, obs, _, obsLink := pair(t, config.Default())
	before := obs.entity

	obsLink.events <- LinkEvent{Data: []byte(`{"type":"gameState","player":{"x":1}}`)}
	obsLink.events <- LinkEvent{Data: []byte(`not json`)}
	obs.tick(at(0))

	assert.Equal(t, before, obs.entity)
	assert.Equal(t, int64(2), obs.metrics.MessagesDropped)
	assert.Equal(t, StateOpen, obs.session.State, "bad payloads do not end the session")
}

func TestDisconnectKeepsLastState(t *testing.T) {
	host, obs, _, _ := pair(t, config.Default())
	for i := range 60 {
		host.tick(at(i))
		obs.tick(at(i))
	}
	last := obs.entity
	hostLast := host.entity

	require.NoError(t, host.endSession(StateClosed, nil))
	assert.Equal(t, RoleUnassigned, host.session.Role)
	assert.Equal(t, 0, host.registry.Len(), "offered code withdrawn")

	for i := 60; i < 90; i++ {
		host.tick(at(i))
		obs.tick(at(i))
	}
	assert.Equal(t, StateClosed, obs.session.State)
	assert.Equal(t, RoleUnassigned, obs.session.Role)
	assert.Equal(t, last, obs.entity, "observer keeps the last applied snapshot")
	assert.Equal(t, hostLast, host.entity, "unassigned peer does not simulate")
	assert.Contains(t, obs.status[len(obs.status)-1], "Disconnected")

	_, err := host.openSession()
	require.NoError(t, err, "a new session may start after close")
	assert.Equal(t, RoleAuthoritative, host.session.Role)
}

func TestLinkErrorEndsSession(t *testing.T) {
	_, obs, _, obsLink := pair(t, config.Default())
	obsLink.events <- LinkEvent{Closed: true, Err: errors.New("connection reset")}
	obs.tick(at(0))

	assert.Equal(t, StateErrored, obs.session.State)
	assert.Equal(t, RoleUnassigned, obs.session.Role)
	assert.Equal(t, int64(1), obs.metrics.SessionsErrored)

	_, err := obs.beginConnect("again")
	assert.NoError(t, err, "retry allowed after error")
}

func TestConnectFailure(t *testing.T) {
	p := newTestPeer(t, config.Default())
	_, err := p.beginConnect("")
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.Equal(t, StateIdle, p.session.State)

	gen, err := p.beginConnect("abc")
	require.NoError(t, err)
	assert.Equal(t, RoleObserver, p.session.Role)

	p.connectFailed(gen, errors.New("refused"))
	assert.Equal(t, StateErrored, p.session.State)
	assert.Equal(t, RoleUnassigned, p.session.Role)
	assert.Contains(t, p.status[len(p.status)-1], "Connection error: refused")

	p.connectFailed(gen, errors.New("late"))
	assert.Equal(t, int64(1), p.metrics.SessionsErrored, "stale failure ignored")
}

func TestAbandonedConnectEndsSession(t *testing.T) {
	p := newTestPeer(t, config.Default())
	gen, err := p.beginConnect("abc")
	require.NoError(t, err)
	a, _ := newPipe()
	require.NoError(t, p.linkConnected(gen, a))
	require.NoError(t, a.Close())

	p.abandonConnect(gen, context.Canceled)
	assert.Equal(t, StateClosed, p.session.State)
	assert.Equal(t, RoleUnassigned, p.session.Role)
	assert.Nil(t, p.events)
	assert.Equal(t, int64(1), p.metrics.SessionsErrored)
	assert.Contains(t, p.status[len(p.status)-1], "context canceled")

	p.abandonConnect(gen, context.Canceled)
	assert.Equal(t, int64(1), p.metrics.SessionsErrored, "repeated cleanup ignored")

	_, err = p.beginConnect("abc")
	require.NoError(t, err, "retry allowed after abandon")
	p.abandonConnect(gen, context.Canceled)
	assert.Equal(t, StateConnecting, p.session.State, "cleanup for an older attempt leaves the new one alone")
}

func TestEventsClosedWithoutTerminalEvent(t *testing.T) {
	_, obs, _, obsLink := pair(t, config.Default())
	close(obsLink.events)
	obs.tick(at(0))

	assert.Equal(t, StateClosed, obs.session.State)
	assert.Equal(t, RoleUnassigned, obs.session.Role)
	assert.Nil(t, obs.events)
	assert.Contains(t, obs.status[len(obs.status)-1], "Connection error")

	_, err := obs.beginConnect("again")
	assert.NoError(t, err)
}

// 拨号成功后 ctx 才取消：Connect 报错时会话必须收尾，不能停在 open
func TestConnectCancelledAfterDial(t *testing.T) {
	p, _ := startPeer(t, testConfig("json"))
	for i := range 20 {
		ctx, cancel := context.WithCancel(context.Background())
		var link *pipeLink
		p.dial = func(context.Context, string, string, LinkOptions) (Link, error) {
			cancel()
			link, _ = newPipe()
			return link, nil
		}

		err := p.Connect(ctx, "peer", "abc")
		if err == nil {
			require.Equal(t, StateOpen, frameOf(p).State, "attempt %d", i)
			require.NoError(t, p.Close(context.Background()))
		} else {
			require.ErrorIs(t, err, context.Canceled, "attempt %d", i)
			assert.ErrorIs(t, link.Send(nil), ErrLinkClosed, "abandoned link closed")
		}
		require.Eventually(t, func() bool {
			f := frameOf(p)
			return f.State == StateClosed && f.Role == RoleUnassigned
		}, 2*time.Second, 5*time.Millisecond, "attempt %d", i)
	}
}

func TestOpenWhileActive(t *testing.T) {
	p := newTestPeer(t, config.Default())
	_, err := p.openSession()
	require.NoError(t, err)
	_, err = p.openSession()
	assert.ErrorIs(t, err, ErrSessionActive)
	_, err = p.beginConnect("x")
	assert.ErrorIs(t, err, ErrSessionActive)
	assert.NoError(t, p.endSession(StateClosed, nil))
	assert.ErrorIs(t, p.endSession(StateClosed, nil), ErrNoSession)
}

func TestStaleLinkRejected(t *testing.T) {
	p := newTestPeer(t, config.Default())
	code, err := p.openSession()
	require.NoError(t, err)
	gen := p.session.Gen
	require.NoError(t, p.endSession(StateClosed, nil))

	a, _ := newPipe()
	p.linkAccepted(gen, code, a)
	assert.Equal(t, StateClosed, p.session.State)
	assert.ErrorIs(t, a.Send(nil), ErrLinkClosed)
}

func TestAuthoritativeSimulatesWhileWaiting(t *testing.T) {
	p := newTestPeer(t, config.Default())
	_, err := p.openSession()
	require.NoError(t, err)
	for i := range 60 {
		p.tick(at(i))
	}
	assert.Equal(t, int64(60), p.metrics.SimSteps)
	assert.Equal(t, int64(0), p.metrics.SnapshotsSent, "no snapshots before open")
	assert.True(t, p.entity.Grounded)
	assert.Equal(t, 250.0, p.entity.Y, "rests on platform-mid")
}

func TestKeyStateForwarding(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.RemoteControl = true
	host, obs, hostLink, _ := pair(t, cfg)

	obs.setInput(game.Input{Right: true})
	obs.setInput(game.Input{Right: true})
	assert.Len(t, hostLink.events, 1, "unchanged input is not resent")

	host.tick(at(0))
	assert.Equal(t, game.Input{Right: true}, host.remote)
	assert.Equal(t, cfg.Physics.Speed, host.entity.VX, "remote keys drive the simulation")
	assert.Equal(t, int64(1), host.metrics.KeyStatesAccepted)

	require.NoError(t, host.endSession(StateClosed, nil))
	assert.Equal(t, game.Input{}, host.remote)
}

func TestKeyStateWithoutRemoteControl(t *testing.T) {
	host, obs, _, _ := pair(t, config.Default())
	obs.setInput(game.Input{Right: true})
	host.tick(at(0))

	assert.Equal(t, game.Input{Right: true}, host.remote, "recorded")
	assert.Equal(t, 0.0, host.entity.VX, "but not simulated")
}

func TestKeyStateRateLimited(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.KeyStateRate = 1
	host, _, hostLink, _ := pair(t, cfg)

	for i := range 5 {
		b, err := wire.EncodeKeyState(wire.JSON, game.Input{Left: i%2 == 0})
		require.NoError(t, err)
		hostLink.events <- LinkEvent{Data: b}
	}
	host.drain()
	assert.Equal(t, int64(1), host.metrics.KeyStatesAccepted)
	assert.Equal(t, int64(4), host.metrics.KeyStatesLimited)
}

func TestObserverKeyStateNotApplied(t *testing.T) {
	_, obs, _, obsLink := pair(t, config.Default())
	b, err := wire.EncodeKeyState(wire.JSON, game.Input{Left: true})
	require.NoError(t, err)
	obsLink.events <- LinkEvent{Data: b}
	obs.drain()
	assert.Equal(t, game.Input{}, obs.remote)
}

func TestStepsDue(t *testing.T) {
	cfg := config.Default()
	p := newTestPeer(t, cfg)
	assert.Equal(t, 1, p.stepsDue(epoch), "one step per frame by default")
	assert.Equal(t, 1, p.stepsDue(epoch.Add(time.Hour)))

	cfg.Loop.FixedStep = true
	p = newTestPeer(t, cfg)
	now := epoch
	assert.Equal(t, 1, p.stepsDue(now))
	now = now.Add(25 * time.Millisecond)
	assert.Equal(t, 1, p.stepsDue(now))
	now = now.Add(20 * time.Millisecond)
	assert.Equal(t, 1, p.stepsDue(now), "remainder carried")
	now = now.Add(200 * time.Millisecond)
	assert.Equal(t, cfg.Loop.MaxStepsPerTick, p.stepsDue(now), "backlog capped")
	now = now.Add(10 * time.Millisecond)
	assert.Equal(t, 0, p.stepsDue(now), "backlog dropped")
}

func TestFrameDrawnEachTick(t *testing.T) {
	frames := &FrameStore{}
	p, err := NewPeer(config.Default(), game.BuiltinLevel(), NewRegistry(), frames)
	require.NoError(t, err)

	p.tick(at(0))
	f := frames.Latest()
	require.NotNil(t, f)
	assert.Equal(t, uint64(1), f.Tick)
	assert.Equal(t, RoleUnassigned, f.Role)
	assert.Len(t, f.Obstacles, len(p.level.Obstacles))
	assert.Equal(t, 180.0, f.Entity.Y, "idle peer does not fall")
}

func TestStatusRing(t *testing.T) {
	p := newTestPeer(t, config.Default())
	for i := range 60 {
		p.statusf("line %d", i)
	}
	require.Len(t, p.status, statusLines)
	assert.Contains(t, p.status[0], "line 10")
	assert.Contains(t, p.status[statusLines-1], "line 59")
}

func TestNewPeerUnknownCodec(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.Codec = "xml"
	_, err := NewPeer(cfg, game.BuiltinLevel(), NewRegistry(), nil)
	assert.Error(t, err)
}
