package server

// Role 会话内的权威角色，会话建立时确定，会话结束时清空
type Role int

const (
	RoleUnassigned    Role = iota
	RoleAuthoritative      // 发起会话的一端：运行模拟并推送快照
	RoleObserver           // 接入会话的一端：只应用快照
)

func (r Role) String() string {
	switch r {
	case RoleAuthoritative:
		return "authoritative"
	case RoleObserver:
		return "observer"
	default:
		return "unassigned"
	}
}

// RunsSimulation 只有权威端推进模拟
func (r Role) RunsSimulation() bool { return r == RoleAuthoritative }

// AppliesSnapshots 只有观察端应用快照
func (r Role) AppliesSnapshots() bool { return r == RoleObserver }

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }
