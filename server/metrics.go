package server

import (
	"sync/atomic"
	"time"
)

// Metrics 记录对等端运行期的关键指标（用于监控与调试）
type Metrics struct {
	TickCount         int64 // 渲染循环帧数
	SimSteps          int64 // 模拟步数
	SnapshotsSent     int64 // 已发送快照
	SnapshotsApplied  int64 // 已应用快照
	SnapshotsIgnored  int64 // 非观察端收到的快照
	MessagesDropped   int64 // 无法解析被丢弃的消息
	SendQueueFull     int64 // 因发送队列满被丢弃的消息
	KeyStatesAccepted int64 // 已采纳的远端按键
	KeyStatesLimited  int64 // 因限流被丢弃的远端按键
	SessionsOpened    int64 // 进入 Open 的会话数
	SessionsErrored   int64 // 以错误结束的会话数
	TotalTickNs       int64 // Tick 累计耗时（纳秒）
}

func (m *Metrics) IncSimSteps(n int)        { atomic.AddInt64(&m.SimSteps, int64(n)) }
func (m *Metrics) IncSnapshotsSent()        { atomic.AddInt64(&m.SnapshotsSent, 1) }
func (m *Metrics) IncSnapshotsApplied()     { atomic.AddInt64(&m.SnapshotsApplied, 1) }
func (m *Metrics) IncSnapshotsIgnored()     { atomic.AddInt64(&m.SnapshotsIgnored, 1) }
func (m *Metrics) IncMessagesDropped()      { atomic.AddInt64(&m.MessagesDropped, 1) }
func (m *Metrics) IncSendQueueFull()        { atomic.AddInt64(&m.SendQueueFull, 1) }
func (m *Metrics) IncKeyStatesAccepted()    { atomic.AddInt64(&m.KeyStatesAccepted, 1) }
func (m *Metrics) IncKeyStatesLimited()     { atomic.AddInt64(&m.KeyStatesLimited, 1) }
func (m *Metrics) IncSessionsOpened()       { atomic.AddInt64(&m.SessionsOpened, 1) }
func (m *Metrics) IncSessionsErrored()      { atomic.AddInt64(&m.SessionsErrored, 1) }
func (m *Metrics) AddTick(d time.Duration) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, d.Nanoseconds())
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"tick_count":          tick,
		"sim_steps":           atomic.LoadInt64(&m.SimSteps),
		"snapshots_sent":      atomic.LoadInt64(&m.SnapshotsSent),
		"snapshots_applied":   atomic.LoadInt64(&m.SnapshotsApplied),
		"snapshots_ignored":   atomic.LoadInt64(&m.SnapshotsIgnored),
		"messages_dropped":    atomic.LoadInt64(&m.MessagesDropped),
		"send_queue_full":     atomic.LoadInt64(&m.SendQueueFull),
		"key_states_accepted": atomic.LoadInt64(&m.KeyStatesAccepted),
		"key_states_limited":  atomic.LoadInt64(&m.KeyStatesLimited),
		"sessions_opened":     atomic.LoadInt64(&m.SessionsOpened),
		"sessions_errored":    atomic.LoadInt64(&m.SessionsErrored),
		"avg_tick_ms":         avgMs,
	}
}
