package game

// Rect 轴对齐矩形，X/Y 为左上角
type Rect struct {
	X float64
	Y float64
	W float64
	H float64
}

func (r Rect) Left() float64   { return r.X }
func (r Rect) Right() float64  { return r.X + r.W }
func (r Rect) Top() float64    { return r.Y }
func (r Rect) Bottom() float64 { return r.Y + r.H }

// CenterX 水平中心
func (r Rect) CenterX() float64 { return r.X + r.W/2 }

// Overlaps 严格相交（贴边不算）
func (r Rect) Overlaps(o Rect) bool {
	return r.Left() < o.Right() && r.Right() > o.Left() &&
		r.Top() < o.Bottom() && r.Bottom() > o.Top()
}

// OverlapsX 仅判断水平投影是否相交
func (r Rect) OverlapsX(o Rect) bool {
	return r.Left() < o.Right() && r.Right() > o.Left()
}

// Union 包含两个矩形的最小矩形
func (r Rect) Union(o Rect) Rect {
	left := min(r.Left(), o.Left())
	top := min(r.Top(), o.Top())
	right := max(r.Right(), o.Right())
	bottom := max(r.Bottom(), o.Bottom())
	return Rect{X: left, Y: top, W: right - left, H: bottom - top}
}

// Point 二维坐标
type Point struct {
	X float64
	Y float64
}

// Entity 玩家实体：权威端独占修改，观察端只整体覆盖
type Entity struct {
	X     float64
	Y     float64
	VX    float64
	VY    float64
	Angle float64 // 弧度，仅 ModeForce 下有意义

	W float64
	H float64

	Grounded bool // 一次性条件：落地置位，跳跃消耗
	AtGoal   bool
}

// NewEntity 在 start 处创建静止实体
func NewEntity(start Point, w, h float64) Entity {
	return Entity{X: start.X, Y: start.Y, W: w, H: h}
}

// Bounds 当前包围盒
func (e Entity) Bounds() Rect {
	return Rect{X: e.X, Y: e.Y, W: e.W, H: e.H}
}

// Input 本地按键意图
type Input struct {
	Left  bool `json:"left"`
	Right bool `json:"right"`
	Jump  bool `json:"up"`
}

// Direction 水平方向：-1 左，1 右，0 无（同时按下视为抵消）
func (in Input) Direction() float64 {
	switch {
	case in.Left && !in.Right:
		return -1
	case in.Right && !in.Left:
		return 1
	default:
		return 0
	}
}

// Merge 合并两路输入（任一按下即按下）
func (in Input) Merge(o Input) Input {
	return Input{
		Left:  in.Left || o.Left,
		Right: in.Right || o.Right,
		Jump:  in.Jump || o.Jump,
	}
}
