package game

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLevel = `
#..........#
#...===....#
#.@......*.#
#==========#
`

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel(strings.NewReader(strings.TrimPrefix(testLevel, "\n")), 10)
	require.NoError(t, err)

	assert.Equal(t, Point{X: 20, Y: 20}, l.Start)
	assert.Equal(t, 120.0, l.Width)
	assert.Equal(t, 40.0, l.Height)
	assert.Equal(t, 10.0, l.EntityW)

	var kinds []Kind
	for _, o := range l.Obstacles {
		kinds = append(kinds, o.Kind())
	}
	assert.Equal(t, []Kind{KindBarrier, KindBarrier, KindPlatform, KindPlatform, KindGoal}, kinds,
		"barriers, then platforms, then goals")

	left, ok := l.Obstacle("barrier-0")
	require.True(t, ok)
	assert.Equal(t, Rect{X: 0, Y: 0, W: 10, H: 40}, left.Bounds(), "vertical run merged")

	floor, ok := l.Obstacle("platform-1")
	require.True(t, ok)
	assert.Equal(t, Rect{X: 10, Y: 30, W: 100, H: 10}, floor.Bounds(), "horizontal run merged")

	mid, ok := l.Obstacle("platform-0")
	require.True(t, ok)
	assert.Equal(t, Rect{X: 40, Y: 10, W: 30, H: 10}, mid.Bounds())

	goal, ok := l.Obstacle("goal-0")
	require.True(t, ok)
	assert.Equal(t, Rect{X: 90, Y: 20, W: 10, H: 10}, goal.Bounds())

	_, ok = l.Obstacle("nope")
	assert.False(t, ok)
}

func TestParseLevelErrors(t *testing.T) {
	_, err := ParseLevel(strings.NewReader("\n  \n"), 10)
	assert.ErrorIs(t, err, ErrEmptyLevel)

	_, err = ParseLevel(strings.NewReader("===\n"), 10)
	assert.ErrorIs(t, err, ErrNoStart)

	_, err = ParseLevel(strings.NewReader("@.@\n"), 10)
	assert.ErrorIs(t, err, ErrMultipleStart)

	_, err = ParseLevel(strings.NewReader("@\n"), 0)
	assert.Error(t, err)
}

func TestLoadLevelOrBuiltinFallsBack(t *testing.T) {
	l, err := LoadLevelOrBuiltin(filepath.Join(t.TempDir(), "missing.txt"), 40)
	assert.Error(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "builtin", l.Name)

	l, err = LoadLevelOrBuiltin("", 40)
	assert.NoError(t, err)
	assert.Equal(t, "builtin", l.Name)

	path := filepath.Join(t.TempDir(), "level.txt")
	require.NoError(t, os.WriteFile(path, []byte("@\n=\n"), 0o644))
	l, err = LoadLevelOrBuiltin(path, 40)
	require.NoError(t, err)
	assert.Equal(t, path, l.Name)
	assert.Len(t, l.Obstacles, 1)
}

func TestBuiltinLevelStartFallsOntoPlatform(t *testing.T) {
	l := BuiltinLevel()
	p := DefaultParams()
	e := l.NewEntity()
	for i := 0; i < 300 && !e.Grounded; i++ {
		e = l.Step(e, Input{}, dt, p)
	}
	require.True(t, e.Grounded)
	mid, _ := l.Obstacle("platform-mid")
	assert.Equal(t, mid.Bounds().Top(), e.Bounds().Bottom())
}

func TestLevelStepMatchesLinearScan(t *testing.T) {
	l := BuiltinLevel()
	p := DefaultParams()
	rng := rand.New(rand.NewSource(7))

	for _, mode := range []Mode{ModeVelocity, ModeForce} {
		p.Mode = mode
		a := l.NewEntity()
		b := a
		in := Input{}
		for i := 0; i < 3000; i++ {
			if i%20 == 0 {
				in = Input{Left: rng.Intn(3) == 0, Right: rng.Intn(2) == 0, Jump: rng.Intn(4) == 0}
			}
			a = l.Step(a, in, dt, p)
			b = Step(b, in, l.Obstacles, dt, p)
			require.Equal(t, b, a, "mode %s tick %d", mode, i)
		}
	}
}

func TestLevelStepWithoutObstacles(t *testing.T) {
	l := NewLevel("empty", Point{}, nil, 100, 100, 10, 10)
	e := l.Step(l.NewEntity(), Input{Right: true}, dt, DefaultParams())
	assert.Greater(t, e.X, 0.0)
	assert.Greater(t, e.Y, 0.0)
}

func TestLevelSyncFollowsMovedObstacles(t *testing.T) {
	plat := &Platform{Name: "p", Rect: Rect{X: 0, Y: 100, W: 100, H: 20}}
	l := NewLevel("moving", Point{X: 500, Y: 60}, []Obstacle{plat}, 1000, 200, 40, 40)
	p := DefaultParams()

	e := l.Step(l.NewEntity(), Input{}, dt, p)
	require.False(t, e.Grounded)

	plat.MoveTo(480, 100)
	l.Sync()
	e = l.Step(l.NewEntity(), Input{}, dt, p)
	assert.True(t, e.Grounded)
}

func TestShippedLevelParses(t *testing.T) {
	l, err := LoadLevel(filepath.Join("..", "levels", "tower.txt"), 40)
	require.NoError(t, err)

	assert.Equal(t, Point{X: 120, Y: 280}, l.Start)
	_, ok := l.Obstacle("goal-0")
	assert.True(t, ok)

	e := l.NewEntity()
	for range 120 {
		e = l.Step(e, Input{}, 1.0/60, DefaultParams())
	}
	assert.True(t, e.Grounded, "start falls onto a platform")
	assert.Less(t, e.Y, 13*40.0)
}
