package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"peerplat/config"
	"peerplat/wire"
)

var (
	ErrLinkClosed    = errors.New("link closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// LinkEvent 链路事件。Closed 为 true 的事件是最后一个，Err 为 nil 表示正常关闭
type LinkEvent struct {
	Data   []byte
	Err    error
	Closed bool
}

// Link 两端之间的单条有序消息通道
type Link interface {
	// Send 非阻塞发送，队列满则丢弃并返回 ErrSendQueueFull
	Send(b []byte) error
	// Events 按到达顺序推送数据，最后推送一个终止事件后关闭。
	// 本端 Close 后接收方不再读取时可能省略终止事件，只关闭通道
	Events() <-chan LinkEvent
	// Close 主动关闭，可重复调用
	Close() error
}

// LinkOptions 链路参数
type LinkOptions struct {
	Binary       bool
	SendQueue    int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	DialTimeout  time.Duration
	MaxMessage   int64
}

// LinkOptionsFrom 由传输配置和编解码器得到链路参数
func LinkOptionsFrom(t config.Transport, c wire.Codec) LinkOptions {
	return LinkOptions{
		Binary:       c.Binary(),
		SendQueue:    t.SendQueue,
		WriteTimeout: t.WriteTimeout,
		ReadTimeout:  t.ReadTimeout,
		DialTimeout:  t.DialTimeout,
		MaxMessage:   t.MaxMessage,
	}
}

// wsLink 基于 WebSocket 的链路：独立的读写协程，发送走缓冲队列
type wsLink struct {
	ws      *websocket.Conn
	msgType int
	opts    LinkOptions

	send    chan []byte
	events  chan LinkEvent
	closing chan struct{} // Close 调用后关闭
	stop    chan struct{} // 读协程退出后关闭，通知写协程

	closeOnce sync.Once

	mu       sync.Mutex
	writeErr error
}

func newWSLink(ws *websocket.Conn, opts LinkOptions) *wsLink {
	if opts.SendQueue <= 0 {
		opts.SendQueue = 64
	}
	l := &wsLink{
		ws:      ws,
		msgType: websocket.TextMessage,
		opts:    opts,
		send:    make(chan []byte, opts.SendQueue),
		events:  make(chan LinkEvent, 256),
		closing: make(chan struct{}),
		stop:    make(chan struct{}),
	}
	if opts.Binary {
		l.msgType = websocket.BinaryMessage
	}
	go l.writePump()
	go l.readPump()
	return l
}

func (l *wsLink) Events() <-chan LinkEvent { return l.events }

// Send 将要发送的消息压入队列（非阻塞，满则丢弃）
func (l *wsLink) Send(b []byte) error {
	select {
	case <-l.closing:
		return ErrLinkClosed
	case <-l.stop:
		return ErrLinkClosed
	default:
	}
	select {
	case l.send <- b:
		return nil
	default:
		// 为了实时性，丢弃本帧（防止阻塞渲染循环）
		return ErrSendQueueFull
	}
}

func (l *wsLink) Close() error {
	l.closeOnce.Do(func() { close(l.closing) })
	return nil
}

func (l *wsLink) failWrite(err error) {
	l.mu.Lock()
	if l.writeErr == nil {
		l.writeErr = err
	}
	l.mu.Unlock()
	_ = l.ws.Close()
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定期 ping
func (l *wsLink) writePump() {
	defer func() {
		if r := recover(); r != nil {
			Log.Errorf("link write panic: %v", r)
			l.failWrite(fmt.Errorf("write panic: %v", r))
		}
	}()

	var ping <-chan time.Time
	if l.opts.ReadTimeout > 0 {
		t := time.NewTicker(l.opts.ReadTimeout * 9 / 10)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case msg := <-l.send:
			l.setWriteDeadline()
			if err := l.ws.WriteMessage(l.msgType, msg); err != nil {
				l.failWrite(err)
				return
			}
		case <-ping:
			l.setWriteDeadline()
			if err := l.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.failWrite(err)
				return
			}
		case <-l.closing:
			_ = l.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = l.ws.Close()
			return
		case <-l.stop:
			_ = l.ws.Close()
			return
		}
	}
}

func (l *wsLink) setWriteDeadline() {
	if l.opts.WriteTimeout > 0 {
		_ = l.ws.SetWriteDeadline(time.Now().Add(l.opts.WriteTimeout))
	}
}

func (l *wsLink) extendReadDeadline() {
	if l.opts.ReadTimeout > 0 {
		_ = l.ws.SetReadDeadline(time.Now().Add(l.opts.ReadTimeout))
	}
}

// readPump 读取对端消息推送到 events，退出时推送终止事件
func (l *wsLink) readPump() {
	err := l.readLoop()
	close(l.stop)
	_ = l.ws.Close()

	l.mu.Lock()
	if l.writeErr != nil {
		err = l.writeErr
	}
	l.mu.Unlock()

	// 缓冲有空位时总是推送终止事件；本端已 Close 且缓冲满时才放弃
	ev := LinkEvent{Closed: true, Err: err}
	select {
	case l.events <- ev:
	default:
		select {
		case l.events <- ev:
		case <-l.closing:
		}
	}
	close(l.events)
}

func (l *wsLink) readLoop() (err error) {
	defer func() {
		if r := recover(); r != nil {
			Log.Errorf("link read panic: %v", r)
			err = fmt.Errorf("read panic: %v", r)
		}
	}()

	if l.opts.MaxMessage > 0 {
		l.ws.SetReadLimit(l.opts.MaxMessage)
	}
	l.extendReadDeadline()
	l.ws.SetPongHandler(func(string) error { l.extendReadDeadline(); return nil })

	for {
		_, payload, err := l.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			select {
			case <-l.closing:
				return nil
			default:
			}
			return err
		}
		l.extendReadDeadline()
		select {
		case l.events <- LinkEvent{Data: payload}:
		case <-l.closing:
			return nil
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 对等端之间直连，允许所有来源
		return true
	},
}

// AcceptLink 将 HTTP 请求升级为链路
func AcceptLink(w http.ResponseWriter, r *http.Request, opts LinkOptions) (Link, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWSLink(ws, opts), nil
}

// SessionURL 由对端地址和会话码得到链路地址：http(s) 换成 ws(s)，路径默认 /ws
func SessionURL(remote, code string) (string, error) {
	if !strings.Contains(remote, "://") {
		remote = "ws://" + remote
	}
	u, err := url.Parse(remote)
	if err != nil {
		return "", fmt.Errorf("parsing remote %q: %w", remote, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	q.Set("session", code)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DialLink 按会话码连接对端
func DialLink(ctx context.Context, remote, code string, opts LinkOptions) (Link, error) {
	target, err := SessionURL(remote, code)
	if err != nil {
		return nil, err
	}
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}

	dialer := websocket.Dialer{HandshakeTimeout: opts.DialTimeout}
	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusNotFound:
				return nil, fmt.Errorf("dial %s: %w", target, ErrUnknownSession)
			case http.StatusConflict:
				return nil, fmt.Errorf("dial %s: %w", target, ErrSessionTaken)
			}
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return newWSLink(ws, opts), nil
}
