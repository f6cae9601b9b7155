package server

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerplat/game"
)

func testFrame() *Frame {
	return &Frame{
		Tick:   7,
		Role:   RoleObserver,
		State:  StateOpen,
		Width:  80,
		Height: 40,
		Obstacles: []ObstacleView{
			{ID: "wall", Kind: game.KindBarrier.String(), X: 0, Y: 0, W: 10, H: 40},
			{ID: "floor", Kind: game.KindPlatform.String(), X: 10, Y: 30, W: 60, H: 10},
			{ID: "goal", Kind: game.KindGoal.String(), X: 70, Y: 0, W: 10, H: 10},
		},
		Entity: EntityView{X: 30, Y: 10, W: 10, H: 10},
	}
}

func TestRenderText(t *testing.T) {
	out := RenderText(testFrame(), 10)
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "tick=7 role=observer state=open x=30.0 y=10.0", lines[0])
	assert.Equal(t, []string{
		"#......*",
		"#..@....",
		"#.......",
		"#======.",
	}, lines[1:])
}

func TestTextRendererEvery(t *testing.T) {
	var buf bytes.Buffer
	r := &TextRenderer{W: &buf, Every: 3, Cell: 10}
	for range 7 {
		r.Draw(testFrame())
	}
	assert.Equal(t, 2, strings.Count(buf.String(), "tick="))
}

func TestRenderersFanOut(t *testing.T) {
	a, b := &FrameStore{}, &FrameStore{}
	assert.Nil(t, a.Latest())

	f := testFrame()
	Renderers{a, b}.Draw(f)
	assert.Same(t, f, a.Latest())
	assert.Same(t, f, b.Latest())
}

func ExampleRenderText() {
	f := &Frame{Width: 40, Height: 20, Entity: EntityView{X: 0, Y: 0, W: 10, H: 10}}
	fmt.Print(RenderText(f, 10))
	// Output:
	// tick=0 role=unassigned state=idle x=0.0 y=0.0
	// @...
	// ....
}
