package game

import (
	"math"
	"sort"

	"github.com/solarlune/resolv"
)

const (
	obstacleTag = "obstacle"
	queryTag    = "query"

	// 查询框外扩，覆盖贴边接触（resolv 计算格子时右下边界减 1）
	queryMargin = 2
)

// broadPhase 基于 resolv 空间哈希的候选筛选。
// 空间覆盖关卡区域与全部障碍物，原点平移到左上角外一格，负坐标同样可用
type broadPhase struct {
	space   *resolv.Space
	objects []*resolv.Object
	box     *resolv.Object
	ox, oy  float64
}

func newBroadPhase(obstacles []Obstacle, area Rect, cell float64) *broadPhase {
	if len(obstacles) == 0 {
		return nil
	}
	bounds := area
	for _, o := range obstacles {
		bounds = bounds.Union(o.Bounds())
	}

	bp := &broadPhase{
		ox: bounds.X - cell,
		oy: bounds.Y - cell,
	}
	cols := int(math.Ceil(bounds.W/cell)) + 3
	rows := int(math.Ceil(bounds.H/cell)) + 3
	cellSize := int(math.Ceil(cell))
	bp.space = resolv.NewSpace(cols*cellSize, rows*cellSize, cellSize, cellSize)

	bp.objects = make([]*resolv.Object, len(obstacles))
	for i, o := range obstacles {
		b := o.Bounds()
		obj := resolv.NewObject(b.X-bp.ox, b.Y-bp.oy, b.W, b.H, obstacleTag, o.Kind().String())
		obj.Data = i
		bp.objects[i] = obj
		bp.space.Add(obj)
	}
	bp.box = resolv.NewObject(0, 0, 1, 1, queryTag)
	bp.space.Add(bp.box)
	return bp
}

// candidates 返回与 query（水平再外扩 pushX）可能相交的障碍物下标，升序
func (bp *broadPhase) candidates(query Rect, pushX float64) []int {
	bp.box.X = query.X - pushX - queryMargin - bp.ox
	bp.box.Y = query.Y - queryMargin - bp.oy
	bp.box.W = query.W + 2*(pushX+queryMargin)
	bp.box.H = query.H + 2*queryMargin
	bp.box.Update()

	idx := []int{}
	col := bp.box.Check(0, 0, obstacleTag)
	if col == nil {
		return idx
	}
	seen := make(map[int]bool, len(col.Objects))
	for _, obj := range col.Objects {
		i, ok := obj.Data.(int)
		if !ok || seen[i] {
			continue
		}
		seen[i] = true
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

func (bp *broadPhase) sync(obstacles []Obstacle) {
	for i, o := range obstacles {
		if i >= len(bp.objects) {
			return
		}
		b := o.Bounds()
		obj := bp.objects[i]
		obj.X, obj.Y = b.X-bp.ox, b.Y-bp.oy
		obj.W, obj.H = b.W, b.H
		obj.Update()
	}
}
