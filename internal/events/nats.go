package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "devpipe"

// NATSForwarder publishes bus records to NATS subjects of the form:
//
//	{prefix}.{event type}.{task id}
//
// Events without a task use "_" as the last token.
type NATSForwarder struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSForwarder creates a forwarder on an established connection.
func NewNATSForwarder(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSForwarder {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSForwarder{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject e is published on.
func (f *NATSForwarder) Subject(e Event) string {
	id := subjectToken(e.TaskID())
	if id == "" {
		id = "_"
	}
	return fmt.Sprintf("%s.%s.%s", f.prefix, e.EventType(), id)
}

// Publish sends e as JSON.
func (f *NATSForwarder) Publish(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", e.EventType(), err)
	}
	if err := f.nc.Publish(f.Subject(e), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.EventType(), err)
	}
	return nil
}

// Run forwards every event received on ch until ctx is done or ch closes.
// Publish failures are logged and do not stop forwarding.
func (f *NATSForwarder) Run(ctx context.Context, ch <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			if err := f.nc.FlushTimeout(time.Second); err != nil {
				f.logger.Warn("nats flush failed", zap.Error(err))
			}
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.Publish(e); err != nil {
				f.logger.Warn("event forward failed",
					zap.String("type", e.EventType()),
					zap.String("task_id", e.TaskID()),
					zap.Error(err),
				)
			}
		}
	}
}

// subjectToken replaces characters NATS treats as token separators or wildcards.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
