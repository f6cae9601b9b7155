package game

import "fmt"

// Kind 障碍物种类
type Kind int

const (
	KindPlatform Kind = iota // 可从上方落脚
	KindBarrier              // 水平方向排斥
	KindGoal                 // 终点标记，无碰撞
)

func (k Kind) String() string {
	switch k {
	case KindPlatform:
		return "platform"
	case KindBarrier:
		return "barrier"
	case KindGoal:
		return "goal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Obstacle 关卡中的静态物体。形状在加载后不变，位置可被快照覆盖
type Obstacle interface {
	ID() string
	Kind() Kind
	Bounds() Rect
	MoveTo(x, y float64)
}

// Platform 平台
type Platform struct {
	Name string
	Rect
}

func (p *Platform) ID() string          { return p.Name }
func (p *Platform) Kind() Kind          { return KindPlatform }
func (p *Platform) Bounds() Rect        { return p.Rect }
func (p *Platform) MoveTo(x, y float64) { p.X, p.Y = x, y }

// Barrier 墙体
type Barrier struct {
	Name string
	Rect
}

func (b *Barrier) ID() string          { return b.Name }
func (b *Barrier) Kind() Kind          { return KindBarrier }
func (b *Barrier) Bounds() Rect        { return b.Rect }
func (b *Barrier) MoveTo(x, y float64) { b.X, b.Y = x, y }

// Goal 终点
type Goal struct {
	Name string
	Rect
}

func (g *Goal) ID() string          { return g.Name }
func (g *Goal) Kind() Kind          { return KindGoal }
func (g *Goal) Bounds() Rect        { return g.Rect }
func (g *Goal) MoveTo(x, y float64) { g.X, g.Y = x, y }

// CloneObstacles 深拷贝障碍物列表
func CloneObstacles(obstacles []Obstacle) []Obstacle {
	out := make([]Obstacle, 0, len(obstacles))
	for _, o := range obstacles {
		switch v := o.(type) {
		case *Platform:
			c := *v
			out = append(out, &c)
		case *Barrier:
			c := *v
			out = append(out, &c)
		case *Goal:
			c := *v
			out = append(out, &c)
		default:
			out = append(out, o)
		}
	}
	return out
}
