package game

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// 关卡字符
const (
	GlyphStart    = '@'
	GlyphPlatform = '='
	GlyphBarrier  = '#'
	GlyphGoal     = '*'
)

var (
	ErrEmptyLevel    = errors.New("level is empty")
	ErrNoStart       = errors.New("level has no start marker")
	ErrMultipleStart = errors.New("level has more than one start marker")
)

// Level 关卡：障碍物列表在加载时构建，之后结构不再变化
type Level struct {
	Name      string
	Start     Point
	Obstacles []Obstacle
	Width     float64
	Height    float64

	// 实体尺寸
	EntityW float64
	EntityH float64

	bp *broadPhase
}

// NewLevel 由障碍物列表构建关卡并建立粗筛空间
func NewLevel(name string, start Point, obstacles []Obstacle, width, height, entityW, entityH float64) *Level {
	l := &Level{
		Name:      name,
		Start:     start,
		Obstacles: obstacles,
		Width:     width,
		Height:    height,
		EntityW:   entityW,
		EntityH:   entityH,
	}
	l.bp = newBroadPhase(obstacles, Rect{W: width, H: height}, max(entityW, entityH, 1))
	return l
}

// NewEntity 在出生点创建实体
func (l *Level) NewEntity() Entity {
	return NewEntity(l.Start, l.EntityW, l.EntityH)
}

// Obstacle 按 id 查找
func (l *Level) Obstacle(id string) (Obstacle, bool) {
	for _, o := range l.Obstacles {
		if o.ID() == id {
			return o, true
		}
	}
	return nil, false
}

// Step 与 Step 结果一致，只是用粗筛空间挑选候选障碍物
func (l *Level) Step(e Entity, in Input, dt float64, p Params) Entity {
	next, prev := integrate(e, in, dt, p)
	if l.bp == nil {
		return resolve(next, prev, l.Obstacles, nil, p)
	}
	query := prev.Union(next.Bounds())
	next = collideFirst(next, prev, l.Obstacles, l.bp.candidates(query, p.BarrierPush), p)
	next.AtGoal = touchesGoal(next, l.Obstacles, l.bp.candidates(next.Bounds(), 0))
	return next
}

// Sync 障碍物位置被覆盖后，刷新粗筛空间
func (l *Level) Sync() {
	if l.bp != nil {
		l.bp.sync(l.Obstacles)
	}
}

// ParseLevel 解析字符网格关卡。行号对应纵向、列号对应横向，每格 cellSize 像素。
// 横向连续的平台合并为一块，纵向连续的墙合并为一块。
// 列表顺序：墙、平台、终点
func ParseLevel(r io.Reader, cellSize float64) (*Level, error) {
	if cellSize <= 0 {
		return nil, fmt.Errorf("invalid cell size %v", cellSize)
	}
	var grid [][]rune
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		grid = append(grid, []rune(strings.TrimRight(sc.Text(), "\r")))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading level: %w", err)
	}
	for len(grid) > 0 && strings.TrimSpace(string(grid[len(grid)-1])) == "" {
		grid = grid[:len(grid)-1]
	}
	if len(grid) == 0 {
		return nil, ErrEmptyLevel
	}

	cols := 0
	for _, row := range grid {
		cols = max(cols, len(row))
	}
	at := func(row, col int) rune {
		if col < len(grid[row]) {
			return grid[row][col]
		}
		return ' '
	}

	var (
		start    Point
		hasStart bool
		barriers []Obstacle
		plats    []Obstacle
		goals    []Obstacle
	)

	for col := 0; col < cols; col++ {
		for row := 0; row < len(grid); {
			if at(row, col) != GlyphBarrier {
				row++
				continue
			}
			top := row
			for row < len(grid) && at(row, col) == GlyphBarrier {
				row++
			}
			barriers = append(barriers, &Barrier{
				Name: fmt.Sprintf("barrier-%d", len(barriers)),
				Rect: Rect{X: float64(col) * cellSize, Y: float64(top) * cellSize, W: cellSize, H: float64(row-top) * cellSize},
			})
		}
	}

	for row := 0; row < len(grid); row++ {
		for col := 0; col < cols; {
			switch at(row, col) {
			case GlyphPlatform:
				left := col
				for col < cols && at(row, col) == GlyphPlatform {
					col++
				}
				plats = append(plats, &Platform{
					Name: fmt.Sprintf("platform-%d", len(plats)),
					Rect: Rect{X: float64(left) * cellSize, Y: float64(row) * cellSize, W: float64(col-left) * cellSize, H: cellSize},
				})
				continue
			case GlyphGoal:
				goals = append(goals, &Goal{
					Name: fmt.Sprintf("goal-%d", len(goals)),
					Rect: Rect{X: float64(col) * cellSize, Y: float64(row) * cellSize, W: cellSize, H: cellSize},
				})
			case GlyphStart:
				if hasStart {
					return nil, fmt.Errorf("row %d col %d: %w", row, col, ErrMultipleStart)
				}
				start = Point{X: float64(col) * cellSize, Y: float64(row) * cellSize}
				hasStart = true
			}
			col++
		}
	}
	if !hasStart {
		return nil, ErrNoStart
	}

	obstacles := make([]Obstacle, 0, len(barriers)+len(plats)+len(goals))
	obstacles = append(obstacles, barriers...)
	obstacles = append(obstacles, plats...)
	obstacles = append(obstacles, goals...)
	return NewLevel("", start, obstacles,
		float64(cols)*cellSize, float64(len(grid))*cellSize, cellSize, cellSize), nil
}

// LoadLevel 从文件加载关卡
func LoadLevel(path string, cellSize float64) (*Level, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening level %s: %w", path, err)
	}
	defer f.Close()

	l, err := ParseLevel(f, cellSize)
	if err != nil {
		return nil, fmt.Errorf("parsing level %s: %w", path, err)
	}
	l.Name = path
	return l, nil
}

// LoadLevelOrBuiltin 加载失败时退回内置关卡，同时返回加载错误供记录
func LoadLevelOrBuiltin(path string, cellSize float64) (*Level, error) {
	if path == "" {
		return BuiltinLevel(), nil
	}
	l, err := LoadLevel(path, cellSize)
	if err != nil {
		return BuiltinLevel(), err
	}
	return l, nil
}

// BuiltinLevel 800x600 内置场地：两侧墙、地面和三块悬空平台
func BuiltinLevel() *Level {
	const w, h = 800.0, 600.0
	obstacles := []Obstacle{
		&Barrier{Name: "wall-left", Rect: Rect{X: 0, Y: 0, W: 20, H: h}},
		&Barrier{Name: "wall-right", Rect: Rect{X: w - 20, Y: 0, W: 20, H: h}},
		&Platform{Name: "ground", Rect: Rect{X: 0, Y: h - 20, W: w, H: 20}},
		&Platform{Name: "platform-low", Rect: Rect{X: 460, Y: 410, W: 200, H: 20}},
		&Platform{Name: "platform-mid", Rect: Rect{X: 140, Y: 290, W: 200, H: 20}},
		&Platform{Name: "platform-high", Rect: Rect{X: 540, Y: 170, W: 200, H: 20}},
	}
	return NewLevel("builtin", Point{X: 180, Y: 180}, obstacles, w, h, 40, 40)
}
