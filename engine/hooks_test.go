package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/internal/testutil"
	"github.com/hupe1980/agentforge/logging"
)

type nodeRecord struct {
	path    string
	success bool
}

type recordingNodeLogger struct {
	logging.NoOpLogger

	mu      sync.Mutex
	records []nodeRecord
}

func (l *recordingNodeLogger) LogNodeExecution(path, _ string, _ time.Duration, success bool, _ error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, nodeRecord{path: path, success: success})
}

func TestLoggingHook_UsesNodeLogger(t *testing.T) {
	logger := &recordingNodeLogger{}

	failing := &funcNode{name: "child", fn: func(*core.RunContext, string) (core.Output, error) {
		return core.Output{}, errors.New("boom")
	}}
	root := &funcNode{name: "root", fn: func(rc *core.RunContext, input string) (core.Output, error) {
		return rc.RunChild(failing, input)
	}}

	eng := New(func(o *Options) { o.Hooks = []Hook{NewLoggingHook(logger)} })
	run := eng.Execute(context.Background(), root, "", RunInfo{})
	testutil.Collect(t, run.Events(), time.Second)
	<-run.Done()

	logger.mu.Lock()
	defer logger.mu.Unlock()

	assert.Equal(t, []nodeRecord{
		{path: "root/child", success: false},
		{path: "root", success: false},
	}, logger.records)
}
