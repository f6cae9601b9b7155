package server

import (
	"fmt"
	"io"
	"math"
	"strings"
	"sync/atomic"

	"peerplat/game"
)

// Frame 某一帧的本地可见状态：权威端为模拟结果，观察端为最近应用的快照
type Frame struct {
	Tick       uint64         `json:"tick"`
	Role       Role           `json:"role"`
	State      SessionState   `json:"state"`
	SessionID  string         `json:"session,omitempty"`
	Width      float64        `json:"width"`
	Height     float64        `json:"height"`
	Obstacles  []ObstacleView `json:"obstacles"`
	Entity     EntityView     `json:"entity"`
	RemoteKeys game.Input     `json:"remoteKeys"`
	Status     []string       `json:"status"`
}

type ObstacleView struct {
	ID   string  `json:"id"`
	Kind string  `json:"kind"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	W    float64 `json:"width"`
	H    float64 `json:"height"`
}

type EntityView struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	VX       float64 `json:"velocityX"`
	VY       float64 `json:"velocityY"`
	Angle    float64 `json:"angle"`
	W        float64 `json:"width"`
	H        float64 `json:"height"`
	Grounded bool    `json:"grounded"`
	AtGoal   bool    `json:"atGoal"`
}

func entityView(e game.Entity) EntityView {
	return EntityView{X: e.X, Y: e.Y, VX: e.VX, VY: e.VY, Angle: e.Angle, W: e.W, H: e.H, Grounded: e.Grounded, AtGoal: e.AtGoal}
}

// Renderer 每帧绘制一次：先障碍物，后实体
type Renderer interface {
	Draw(f *Frame)
}

// Renderers 依次分发给多个渲染器
type Renderers []Renderer

func (rs Renderers) Draw(f *Frame) {
	for _, r := range rs {
		r.Draw(f)
	}
}

// FrameStore 保存最近一帧，供 HTTP 读取
type FrameStore struct {
	cur atomic.Pointer[Frame]
}

func (s *FrameStore) Draw(f *Frame) { s.cur.Store(f) }

// Latest 最近一帧，尚未绘制时为 nil
func (s *FrameStore) Latest() *Frame { return s.cur.Load() }

// TextRenderer 每隔 Every 帧把场景画成字符网格
type TextRenderer struct {
	W     io.Writer
	Every int
	Cell  float64

	n int
}

func (t *TextRenderer) Draw(f *Frame) {
	if t.Every <= 0 || f.Width <= 0 || f.Height <= 0 {
		return
	}
	t.n++
	if t.n%t.Every != 0 {
		return
	}
	_, _ = io.WriteString(t.W, RenderText(f, t.Cell))
}

// RenderText 按 cell 像素一格绘制：'=' 平台、'#' 墙、'*' 终点、'@' 实体
func RenderText(f *Frame, cell float64) string {
	if cell <= 0 {
		cell = 40
	}
	cols := int(math.Ceil(f.Width / cell))
	rows := int(math.Ceil(f.Height / cell))
	grid := make([][]byte, rows)
	for i := range grid {
		grid[i] = []byte(strings.Repeat(".", cols))
	}
	fill := func(x, y, w, h float64, glyph byte) {
		c0, c1 := int(math.Floor(x/cell)), int(math.Ceil((x+w)/cell))
		r0, r1 := int(math.Floor(y/cell)), int(math.Ceil((y+h)/cell))
		for r := max(r0, 0); r < min(r1, rows); r++ {
			for c := max(c0, 0); c < min(c1, cols); c++ {
				grid[r][c] = glyph
			}
		}
	}
	for _, o := range f.Obstacles {
		glyph := byte('=')
		switch o.Kind {
		case game.KindBarrier.String():
			glyph = '#'
		case game.KindGoal.String():
			glyph = '*'
		}
		fill(o.X, o.Y, o.W, o.H, glyph)
	}
	fill(f.Entity.X, f.Entity.Y, f.Entity.W, f.Entity.H, '@')

	var b strings.Builder
	fmt.Fprintf(&b, "tick=%d role=%s state=%s x=%.1f y=%.1f\n", f.Tick, f.Role, f.State, f.Entity.X, f.Entity.Y)
	for _, row := range grid {
		b.Write(row)
		b.WriteByte('\n')
	}
	return b.String()
}
