package server

import (
	"errors"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionTaken   = errors.New("session already has a peer")
)

// NewSessionCode 生成不透明的会话码
func NewSessionCode() string {
	return uuid.NewString()
}

// Registry 本进程对外提供的会话码。每个会话码只接受一个对端
type Registry struct {
	mu     deadlock.Mutex
	offers map[string]*offer
}

type offer struct {
	deliver func(Link) bool
	taken   bool
}

func NewRegistry() *Registry {
	return &Registry{offers: make(map[string]*offer)}
}

// Offer 登记会话码；对端接入后通过 deliver 交付链路，deliver 返回 false 表示无人接收
func (r *Registry) Offer(code string, deliver func(Link) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.offers[code]; ok {
		return ErrSessionTaken
	}
	r.offers[code] = &offer{deliver: deliver}
	return nil
}

// Claim 在升级连接前占用会话码
func (r *Registry) Claim(code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.offers[code]
	if !ok {
		return ErrUnknownSession
	}
	if o.taken {
		return ErrSessionTaken
	}
	o.taken = true
	return nil
}

// Release 升级失败时释放占用
func (r *Registry) Release(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.offers[code]; ok {
		o.taken = false
	}
}

// Deliver 交付已占用会话码的链路。会话已撤销或无人接收时关闭链路
func (r *Registry) Deliver(code string, l Link) error {
	r.mu.Lock()
	o, ok := r.offers[code]
	r.mu.Unlock()
	if !ok {
		_ = l.Close()
		return ErrUnknownSession
	}
	if !o.deliver(l) {
		_ = l.Close()
		return ErrUnknownSession
	}
	return nil
}

// Withdraw 撤销会话码
func (r *Registry) Withdraw(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.offers, code)
}

// Len 当前登记的会话码数量
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.offers)
}
