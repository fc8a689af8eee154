package agent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/agentforge/a2a"
	"github.com/hupe1980/agentforge/core"
)

// DefaultRemoteTimeout bounds a single RemoteBridge execution.
const DefaultRemoteTimeout = 300 * time.Second

// Remote execution modes.
const (
	RemoteModePoll   = "poll"
	RemoteModeStream = "stream"
)

// RemoteClient is the outbound A2A client of a RemoteBridge.
type RemoteClient interface {
	Send(ctx context.Context, params a2a.TaskSendParams) (*a2a.Task, error)
	Await(ctx context.Context, id string, interval time.Duration) (*a2a.Task, error)
	Cancel(ctx context.Context, id string) (*a2a.Task, error)
	SendSubscribe(ctx context.Context, params a2a.TaskSendParams) (<-chan a2a.StreamEvent, <-chan error)
}

// RemoteBridgeOptions configures a RemoteBridge.
type RemoteBridgeOptions struct {
	Description  string
	Mode         string
	Timeout      time.Duration
	PollInterval time.Duration
}

// RemoteBridge delegates execution to a remote agent over A2A. Streamed
// remote chunks are re-emitted as local partial_output events.
type RemoteBridge struct {
	BaseNode
	client RemoteClient
	opts   RemoteBridgeOptions
}

// NewRemoteBridge creates a bridge using client.
func NewRemoteBridge(name string, client RemoteClient, optFns ...func(o *RemoteBridgeOptions)) *RemoteBridge {
	opts := RemoteBridgeOptions{
		Mode:    RemoteModePoll,
		Timeout: DefaultRemoteTimeout,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Mode == "" {
		opts.Mode = RemoteModePoll
	}

	r := &RemoteBridge{
		BaseNode: NewBaseNode(name, core.NodeKindRemote),
		client:   client,
		opts:     opts,
	}
	r.SetDescription(opts.Description)

	return r
}

// Mode returns the execution mode.
func (r *RemoteBridge) Mode() string { return r.opts.Mode }

// Execute implements core.Node.
func (r *RemoteBridge) Execute(rc *core.RunContext, input string) (core.Output, error) {
	ctx := rc.Context

	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	params := a2a.TaskSendParams{
		ID:        uuid.NewString(),
		ContextID: rc.RunID,
		Message:   a2a.NewUserMessage(input),
	}

	rc.LogDebug("agent.remote.send", "agent", r.Name(), "task_id", params.ID, "mode", r.opts.Mode)

	var (
		task *a2a.Task
		err  error
	)

	if r.opts.Mode == RemoteModeStream {
		task, err = r.stream(ctx, rc, params)
	} else {
		task, err = r.poll(ctx, params)
	}

	if err != nil {
		if ctx.Err() != nil {
			r.cancelRemote(params.ID)
		}

		return core.Output{}, r.mapError(rc, err)
	}

	switch task.Status.State {
	case a2a.TaskStateCompleted:
	case a2a.TaskStateCancelled:
		return core.Output{}, core.Errorf(core.KindRemoteProtocolError, "remote task %s was cancelled", task.ID)
	default:
		msg := task.Error
		if msg == "" && task.Status.Message != nil {
			msg = a2a.TextOf(task.Status.Message.Parts)
		}

		return core.Output{}, core.Errorf(core.KindRemoteProtocolError, "remote task %s %s: %s", task.ID, task.Status.State, msg)
	}

	text := task.Text()

	data := task.Data()
	if data == nil {
		data = ParseData(text)
	}

	return core.Output{Text: text, Data: data}, nil
}

func (r *RemoteBridge) poll(ctx context.Context, params a2a.TaskSendParams) (*a2a.Task, error) {
	task, err := r.client.Send(ctx, params)
	if err != nil {
		return nil, err
	}

	if task.Status.State.IsTerminal() {
		return task, nil
	}

	return r.client.Await(ctx, task.ID, r.opts.PollInterval)
}

func (r *RemoteBridge) stream(ctx context.Context, rc *core.RunContext, params a2a.TaskSendParams) (*a2a.Task, error) {
	eventCh, errCh := r.client.SendSubscribe(ctx, params)

	task := &a2a.Task{ID: params.ID, Status: a2a.TaskStatus{State: a2a.TaskStateSubmitted}}
	final := false

	for ev := range eventCh {
		switch {
		case ev.Artifact != nil:
			a := ev.Artifact.Artifact

			if a.Append && !a.LastChunk {
				if text := a2a.TextOf(a.Parts); text != "" {
					if err := rc.EmitEvent(core.NewPartialOutputEvent(r.Name(), text)); err != nil {
						return nil, err
					}
				}
			}

			task.Artifacts = append(task.Artifacts, a)
		case ev.Status != nil:
			task.Status = ev.Status.Status
			final = ev.Status.Final
		}
	}

	if err := <-errCh; err != nil {
		return nil, err
	}

	if !final {
		return nil, core.Errorf(core.KindRemoteProtocolError, "remote stream for task %s ended without final status", params.ID)
	}

	return task, nil
}

// cancelRemote makes a best-effort attempt to cancel the remote task.
func (r *RemoteBridge) cancelRemote(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _ = r.client.Cancel(ctx, taskID)
}

func (r *RemoteBridge) mapError(rc *core.RunContext, err error) error {
	if rc.Err() != nil {
		return rc.Err()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return core.Errorf(core.KindTimeout, "remote agent %s timed out after %s", r.Name(), r.opts.Timeout)
	}

	if core.KindOf(err) == core.KindRemoteProtocolError {
		return err
	}

	return core.Errorf(core.KindRemoteProtocolError, "remote agent %s: %w", r.Name(), err)
}
