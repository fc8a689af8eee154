// Package nats publishes run events to NATS subjects.
package nats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/nats-io/nats.go"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/logging"
)

// DefaultSubjectPrefix is used when Options.SubjectPrefix is empty.
const DefaultSubjectPrefix = "agentforge.events"

// Publisher is the part of *nats.Conn used by Sink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Options configures a Sink.
type Options struct {
	SubjectPrefix string
	Logger        logging.Logger
}

// Sink publishes every event as JSON to <prefix>.<runID>. It implements
// runner.Sink.
type Sink struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
	logger logging.Logger
}

// New creates a Sink publishing through pub.
func New(pub Publisher, optFns ...func(o *Options)) *Sink {
	opts := Options{
		SubjectPrefix: DefaultSubjectPrefix,
		Logger:        logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = DefaultSubjectPrefix
	}

	return &Sink{
		pub:    pub,
		prefix: strings.TrimSuffix(opts.SubjectPrefix, "."),
		logger: opts.Logger,
	}
}

// Connect dials the NATS server at url and returns a Sink owning the
// connection. Close releases it.
func Connect(url string, optFns ...func(o *Options)) (*Sink, error) {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	nc, err := nats.Connect(url,
		nats.Name("agentforge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				opts.Logger.Warn("nats.disconnected", "error", err.Error())
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			opts.Logger.Info("nats.reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}

	s := New(nc, optFns...)
	s.conn = nc

	return s, nil
}

// Subject returns the subject events of runID are published to.
func (s *Sink) Subject(runID string) string {
	return s.prefix + "." + runID
}

// Publish implements runner.Sink.
func (s *Sink) Publish(ctx context.Context, ev core.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}

	if err := s.pub.Publish(s.Subject(ev.RunID), data); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.ID, err)
	}

	return nil
}

// Close drains and closes the connection opened by Connect. It is a no-op for
// sinks created with New.
func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}

	return s.conn.Drain()
}
