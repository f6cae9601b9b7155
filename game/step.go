package game

// Mode 水平运动模型
type Mode string

const (
	// ModeVelocity 按键直接设定水平速度
	ModeVelocity Mode = "velocity"
	// ModeForce 每帧施加有界冲量并限速，实体随水平速度滚动
	ModeForce Mode = "force"
)

// Params 物理参数（像素、秒）
type Params struct {
	Mode Mode `yaml:"mode" json:"mode"`

	Gravity      float64 `yaml:"gravity" json:"gravity"`               // 向下加速度
	Speed        float64 `yaml:"speed" json:"speed"`                   // ModeVelocity 水平速度
	JumpVelocity float64 `yaml:"jump_velocity" json:"jumpVelocity"`    // 负值向上
	BarrierPush  float64 `yaml:"barrier_push" json:"barrierPush"`      // 撞墙后弹开的固定距离
	MaxFallSpeed float64 `yaml:"max_fall_speed" json:"maxFallSpeed"`   // 0 表示不限
	Accel        float64 `yaml:"accel" json:"accel"`                   // ModeForce 水平加速度
	MaxVX        float64 `yaml:"max_vx" json:"maxVX"`                  // ModeForce 水平限速
	FrictionAir  float64 `yaml:"friction_air" json:"frictionAir"`      // ModeForce 每帧速度衰减比例
}

// DefaultParams 对应 60Hz 下每帧 5px 水平、0.5px 重力、-10px 起跳
func DefaultParams() Params {
	return Params{
		Mode:         ModeVelocity,
		Gravity:      1800,
		Speed:        300,
		JumpVelocity: -600,
		BarrierPush:  5,
		MaxFallSpeed: 1200,
		Accel:        1200,
		MaxVX:        300,
		FrictionAir:  0.001,
	}
}

// Step 以 dt 推进实体一步，纯函数：不修改 obstacles
func Step(e Entity, in Input, obstacles []Obstacle, dt float64, p Params) Entity {
	next, prev := integrate(e, in, dt, p)
	return resolve(next, prev, obstacles, nil, p)
}

// Jump 仅在落地时生效，并消耗落地状态
func Jump(e *Entity, p Params) bool {
	if !e.Grounded {
		return false
	}
	e.VY = p.JumpVelocity
	e.Grounded = false
	return true
}

// integrate 处理输入、重力与位置更新（半隐式欧拉），返回移动前的包围盒
func integrate(e Entity, in Input, dt float64, p Params) (Entity, Rect) {
	if in.Jump {
		Jump(&e, p)
	}

	dir := in.Direction()
	switch p.Mode {
	case ModeForce:
		e.VX += dir * p.Accel * dt
		e.VX *= 1 - p.FrictionAir
		if p.MaxVX > 0 {
			if e.VX > p.MaxVX {
				e.VX = p.MaxVX
			} else if e.VX < -p.MaxVX {
				e.VX = -p.MaxVX
			}
		}
	default:
		e.VX = dir * p.Speed
	}

	e.VY += p.Gravity * dt
	if p.MaxFallSpeed > 0 && e.VY > p.MaxFallSpeed {
		e.VY = p.MaxFallSpeed
	}

	prev := e.Bounds()
	e.X += e.VX * dt
	e.Y += e.VY * dt

	if p.Mode == ModeForce && e.W > 0 {
		e.Angle += e.VX * dt / (e.W / 2)
	}
	return e, prev
}

// resolve 按列表顺序检测碰撞，第一个命中者生效
func resolve(e Entity, prev Rect, obstacles []Obstacle, order []int, p Params) Entity {
	e = collideFirst(e, prev, obstacles, order, p)
	e.AtGoal = touchesGoal(e, obstacles, order)
	return e
}

// visit 依次访问 order 指定的下标（须保持升序）；order 为 nil 时访问全部
func visit(obstacles []Obstacle, order []int, fn func(Obstacle) bool) {
	if order == nil {
		for _, o := range obstacles {
			if fn(o) {
				return
			}
		}
		return
	}
	for _, i := range order {
		if fn(obstacles[i]) {
			return
		}
	}
}

func collideFirst(e Entity, prev Rect, obstacles []Obstacle, order []int, p Params) Entity {
	visit(obstacles, order, func(o Obstacle) bool {
		return collide(&e, prev, o, p)
	})
	return e
}

func touchesGoal(e Entity, obstacles []Obstacle, order []int) bool {
	hit := false
	visit(obstacles, order, func(o Obstacle) bool {
		hit = o.Kind() == KindGoal && e.Bounds().Overlaps(o.Bounds())
		return hit
	})
	return hit
}

func collide(e *Entity, prev Rect, o Obstacle, p Params) bool {
	b := o.Bounds()
	cur := e.Bounds()
	switch o.Kind() {
	case KindPlatform:
		// 扫掠判定：下落中且下沿越过平台顶，上一帧下沿未低于平台底
		if e.VY > 0 && cur.OverlapsX(b) && cur.Bottom() >= b.Top() && prev.Bottom() <= b.Bottom() {
			e.Y = b.Top() - e.H
			e.VY = 0
			e.Grounded = true
			return true
		}
	case KindBarrier:
		if cur.Overlaps(b) {
			if approachedFromLeft(prev, b) {
				e.X = b.Left() - e.W - p.BarrierPush
			} else {
				e.X = b.Right() + p.BarrierPush
			}
			return true
		}
	}
	return false
}

func approachedFromLeft(prev, b Rect) bool {
	switch {
	case prev.Right() <= b.Left():
		return true
	case prev.Left() >= b.Right():
		return false
	default:
		return prev.CenterX() < b.CenterX()
	}
}
