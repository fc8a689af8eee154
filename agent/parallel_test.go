package agent

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentforge/core"
)

func TestParallel_AggregatesInDeclaredOrder(t *testing.T) {
	rc, events := makeRunContext(t)

	par := NewParallel("par", echoNode("a"), echoNode("b"), echoNode("c"))

	out, err := rc.RunChild(par, "in")
	require.NoError(t, err)

	assert.Equal(t, "in>a\nin>b\nin>c", out.Text)
	assert.Equal(t, map[string]any{"a": "in>a", "b": "in>b", "c": "in>c"}, out.Data)
	assert.Equal(t, 3, out.Usage.TotalTokens)

	for _, ev := range events.OfKind(core.EventStarted) {
		if ev.NodePath == "par/b" {
			assert.Equal(t, "par.b", ev.Branch)
		}
	}
}

func TestParallel_FailureReportedAfterSiblingsComplete(t *testing.T) {
	rc, events := makeRunContext(t)

	var bDone sync.WaitGroup
	bDone.Add(1)

	a := newStubNode("a", func(_ *core.RunContext, _ string) (core.Output, error) {
		bDone.Wait()
		return core.Output{}, assert.AnError
	})
	b := newStubNode("b", func(_ *core.RunContext, input string) (core.Output, error) {
		defer bDone.Done()
		return core.Output{Text: "b"}, nil
	})

	_, err := rc.RunChild(NewParallel("par", a, b), "in")
	require.Error(t, err)
	assert.Equal(t, core.KindNodeExecutionFailure, core.KindOf(err))
	require.ErrorIs(t, err, assert.AnError)

	bCompleted := events.IndexOf(core.EventCompleted, "par/b")
	parFailed := events.IndexOf(core.EventFailed, "par")

	require.GreaterOrEqual(t, bCompleted, 0)
	require.GreaterOrEqual(t, parFailed, 0)
	assert.Less(t, bCompleted, parFailed)
}

func TestParallel_FailureKeepsBranchKindAndPath(t *testing.T) {
	rc, _ := makeRunContext(t)

	slow := newStubNode("slow", func(_ *core.RunContext, _ string) (core.Output, error) {
		return core.Output{}, core.Errorf(core.KindTimeout, "deadline reached")
	})

	_, err := rc.RunChild(NewParallel("par", echoNode("a"), slow), "in")
	require.Error(t, err)
	assert.Equal(t, core.KindTimeout, core.KindOf(err))
	assert.Equal(t, "par/slow", core.PathOf(err))
	assert.Contains(t, err.Error(), "parallel execution failed")
}
