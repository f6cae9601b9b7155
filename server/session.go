package server

import (
	"errors"
	"fmt"
)

// SessionState 传输会话状态机：Idle → Connecting → Open → Closed | Errored
type SessionState int

const (
	StateIdle SessionState = iota
	StateConnecting
	StateOpen
	StateClosed
	StateErrored
)

var ErrInvalidTransition = errors.New("invalid session transition")

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s SessionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Active 会话进行中（尚未结束）
func (s SessionState) Active() bool {
	return s == StateConnecting || s == StateOpen
}

var transitions = map[SessionState][]SessionState{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateOpen, StateClosed, StateErrored},
	StateOpen:       {StateClosed, StateErrored},
	StateClosed:     {StateConnecting},
	StateErrored:    {StateConnecting},
}

// CanTransition 判断状态迁移是否合法
func (s SessionState) CanTransition(to SessionState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Session 一次两端之间的连接。角色在会话内固定
type Session struct {
	ID    string
	State SessionState
	Role  Role
	Gen   uint64 // 每次新会话递增，用于丢弃过期的链路回调
	link  Link
}

func (s *Session) transition(to SessionState) error {
	if !s.State.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
	}
	s.State = to
	return nil
}

// begin 开始新会话并确定角色
func (s *Session) begin(id string, role Role) error {
	if err := s.transition(StateConnecting); err != nil {
		return err
	}
	s.Gen++
	s.ID = id
	s.Role = role
	s.link = nil
	return nil
}

// end 结束会话：清空角色与链路，返回需要关闭的链路
func (s *Session) end(to SessionState) (Link, error) {
	if err := s.transition(to); err != nil {
		return nil, err
	}
	l := s.link
	s.link = nil
	s.Role = RoleUnassigned
	return l, nil
}
