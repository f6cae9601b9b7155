package wire

import (
	"errors"
	"fmt"

	"peerplat/game"
)

// 消息类型
const (
	TypeGameState = "gameState"
	TypeKeyState  = "keyState"
)

// ErrMalformed 载荷缺字段、类型未知或无法解析
var ErrMalformed = errors.New("malformed message")

// Message 解码结果：*Snapshot 或 *KeyState
type Message interface {
	Type() string
}

// EntityState 实体的可复制字段
type EntityState struct {
	X     float64
	Y     float64
	VX    float64
	VY    float64
	Angle float64
}

// ObstacleState 障碍物位置；宽高仅为对齐原格式而携带
type ObstacleState struct {
	ID string
	X  float64
	Y  float64
	W  float64
	H  float64
}

// Snapshot 权威端某一帧的世界状态
type Snapshot struct {
	Player    EntityState
	Obstacles []ObstacleState
}

func (*Snapshot) Type() string { return TypeGameState }

// KeyState 观察端转发的原始按键
type KeyState struct {
	Keys game.Input
}

func (*KeyState) Type() string { return TypeKeyState }

// 线上格式：{type, player:{x,y,velocityX,velocityY,angle}, platforms:[{id,x,y,width,height}]}
// 必填字段用指针，以区分缺失与零值
type envelope struct {
	Type      string           `json:"type" cbor:"type"`
	Player    *playerFields    `json:"player,omitempty" cbor:"player,omitempty"`
	Platforms []obstacleFields `json:"platforms,omitempty" cbor:"platforms,omitempty"`
	Keys      *keyFields       `json:"keys,omitempty" cbor:"keys,omitempty"`
}

type playerFields struct {
	X         *float64 `json:"x" cbor:"x"`
	Y         *float64 `json:"y" cbor:"y"`
	VelocityX *float64 `json:"velocityX" cbor:"velocityX"`
	VelocityY *float64 `json:"velocityY" cbor:"velocityY"`
	Angle     *float64 `json:"angle,omitempty" cbor:"angle,omitempty"`
}

type obstacleFields struct {
	ID     string   `json:"id,omitempty" cbor:"id,omitempty"`
	X      *float64 `json:"x" cbor:"x"`
	Y      *float64 `json:"y" cbor:"y"`
	Width  float64  `json:"width" cbor:"width"`
	Height float64  `json:"height" cbor:"height"`
}

type keyFields struct {
	Left  bool `json:"left" cbor:"left"`
	Right bool `json:"right" cbor:"right"`
	Up    bool `json:"up" cbor:"up"`
}

func f64(v float64) *float64 { return &v }

// NewSnapshot 按列表顺序采集实体与障碍物状态
func NewSnapshot(e game.Entity, obstacles []game.Obstacle) *Snapshot {
	s := &Snapshot{
		Player:    EntityState{X: e.X, Y: e.Y, VX: e.VX, VY: e.VY, Angle: e.Angle},
		Obstacles: make([]ObstacleState, 0, len(obstacles)),
	}
	for _, o := range obstacles {
		b := o.Bounds()
		s.Obstacles = append(s.Obstacles, ObstacleState{ID: o.ID(), X: b.X, Y: b.Y, W: b.W, H: b.H})
	}
	return s
}

// Encode 序列化任意消息
func Encode(c Codec, m Message) ([]byte, error) {
	var env envelope
	switch v := m.(type) {
	case *Snapshot:
		env.Type = TypeGameState
		env.Player = &playerFields{
			X:         f64(v.Player.X),
			Y:         f64(v.Player.Y),
			VelocityX: f64(v.Player.VX),
			VelocityY: f64(v.Player.VY),
			Angle:     f64(v.Player.Angle),
		}
		env.Platforms = make([]obstacleFields, 0, len(v.Obstacles))
		for _, o := range v.Obstacles {
			env.Platforms = append(env.Platforms, obstacleFields{
				ID: o.ID, X: f64(o.X), Y: f64(o.Y), Width: o.W, Height: o.H,
			})
		}
	case *KeyState:
		env.Type = TypeKeyState
		env.Keys = &keyFields{Left: v.Keys.Left, Right: v.Keys.Right, Up: v.Keys.Jump}
	default:
		return nil, fmt.Errorf("encode: unsupported message %T", m)
	}
	return c.Marshal(env)
}

// EncodeSnapshot 采集并序列化一帧快照
func EncodeSnapshot(c Codec, e game.Entity, obstacles []game.Obstacle) ([]byte, error) {
	return Encode(c, NewSnapshot(e, obstacles))
}

// EncodeKeyState 序列化按键状态
func EncodeKeyState(c Codec, in game.Input) ([]byte, error) {
	return Encode(c, &KeyState{Keys: in})
}

// Decode 反序列化并校验必填字段；不合格的载荷返回 ErrMalformed，由调用方丢弃
func Decode(c Codec, data []byte) (Message, error) {
	var env envelope
	if err := c.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case TypeGameState:
		return env.snapshot()
	case TypeKeyState:
		if env.Keys == nil {
			return nil, fmt.Errorf("%w: keyState without keys", ErrMalformed)
		}
		return &KeyState{Keys: game.Input{Left: env.Keys.Left, Right: env.Keys.Right, Jump: env.Keys.Up}}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
}

func (env *envelope) snapshot() (*Snapshot, error) {
	p := env.Player
	if p == nil {
		return nil, fmt.Errorf("%w: gameState without player", ErrMalformed)
	}
	if p.X == nil || p.Y == nil || p.VelocityX == nil || p.VelocityY == nil {
		return nil, fmt.Errorf("%w: player position or velocity missing", ErrMalformed)
	}
	s := &Snapshot{
		Player:    EntityState{X: *p.X, Y: *p.Y, VX: *p.VelocityX, VY: *p.VelocityY},
		Obstacles: make([]ObstacleState, 0, len(env.Platforms)),
	}
	if p.Angle != nil {
		s.Player.Angle = *p.Angle
	}
	for i, o := range env.Platforms {
		if o.X == nil || o.Y == nil {
			return nil, fmt.Errorf("%w: platform %d position missing", ErrMalformed, i)
		}
		s.Obstacles = append(s.Obstacles, ObstacleState{ID: o.ID, X: *o.X, Y: *o.Y, W: o.Width, H: o.Height})
	}
	return s, nil
}

// ApplyResult 观察端覆盖结果
type ApplyResult struct {
	ByID      int
	ByIndex   int
	Unmatched int // 本地找不到对应障碍物的条目
}

// Apply 整体覆盖实体的位置、速度与角度，并清除落地与终点标记；障碍物有 id 时按 id 匹配，
// 无 id 时按下标匹配（两端关卡须一致）。障碍物只覆盖位置
func (s *Snapshot) Apply(e *game.Entity, obstacles []game.Obstacle) ApplyResult {
	e.X, e.Y = s.Player.X, s.Player.Y
	e.VX, e.VY = s.Player.VX, s.Player.VY
	e.Angle = s.Player.Angle
	// 落地与终点状态不随快照传输，观察端不保留本地旧值
	e.Grounded, e.AtGoal = false, false

	var res ApplyResult
	var byID map[string]game.Obstacle
	for i, st := range s.Obstacles {
		if st.ID != "" {
			if byID == nil {
				byID = make(map[string]game.Obstacle, len(obstacles))
				for _, o := range obstacles {
					byID[o.ID()] = o
				}
			}
			if o, ok := byID[st.ID]; ok {
				o.MoveTo(st.X, st.Y)
				res.ByID++
			} else {
				res.Unmatched++
			}
			continue
		}
		if i < len(obstacles) {
			obstacles[i].MoveTo(st.X, st.Y)
			res.ByIndex++
		} else {
			res.Unmatched++
		}
	}
	return res
}
