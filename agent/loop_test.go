package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentforge/core"
)

func TestBoundedLoop_RunsUntilCap(t *testing.T) {
	rc, events := makeRunContext(t)

	loop := NewBoundedLoop("loop", echoNode("body"), 3)

	out, err := rc.RunChild(loop, "x")
	require.NoError(t, err)
	assert.Equal(t, "x>body>body>body", out.Text)

	transitions := events.OfKind(core.EventNodeTransition)
	require.Len(t, transitions, 3)

	for i, ev := range transitions {
		assert.Equal(t, i+1, ev.Iteration)
		assert.Equal(t, "body", ev.To)
	}

	last := transitions[2]
	loopCompleted := events.IndexOf(core.EventCompleted, "loop")
	require.GreaterOrEqual(t, loopCompleted, 0)

	for i, ev := range events.Events() {
		if ev.ID == last.ID {
			assert.Less(t, i, loopCompleted)
		}
	}
}

func TestBoundedLoop_StopSentinel(t *testing.T) {
	rc, events := makeRunContext(t)

	calls := 0
	body := newStubNode("body", func(_ *core.RunContext, _ string) (core.Output, error) {
		calls++
		if calls == 2 {
			return core.Output{Text: `{"done": true}`, Data: map[string]any{"done": true}}, nil
		}

		return core.Output{Text: "again"}, nil
	})

	loop := NewBoundedLoop("loop", body, 5, WithStopKey("done"))

	out, err := rc.RunChild(loop, "x")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, true, out.Data["done"])
	assert.Len(t, events.OfKind(core.EventNodeTransition), 2)
}

func TestBoundedLoop_BodyFailure(t *testing.T) {
	rc, _ := makeRunContext(t)

	_, err := rc.RunChild(NewBoundedLoop("loop", failingNode("body"), 3), "x")
	require.Error(t, err)
	assert.Equal(t, "loop/body", core.PathOf(err))
}
