// Package deadletter publishes oplog operations the target rejected.
package deadletter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/atedra-pmawrick/migrate-mongo-cluster/errors"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/log"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/oplog"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/repl"
)

const (
	maxReconnects = 60
	reconnectWait = 2 * time.Second
)

type publisher interface {
	Publish(subject string, data []byte) error
}

// Publisher sends abandoned operations to a NATS subject. Every operation is
// also logged.
type Publisher struct {
	pub     publisher
	conn    *nats.Conn
	subject string
	runID   string
}

// Connect opens a NATS connection to url and returns a Publisher for subject.
func Connect(url, subject string) (*Publisher, error) {
	lg := log.New("deadletter")

	opts := []nats.Option{
		nats.Name("migrate-mongo-cluster"),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				lg.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			lg.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			lg.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "connect to NATS")
	}

	lg.Infof("Publishing dead letters to %q at %s", subject, conn.ConnectedUrl())

	p := newPublisher(conn, subject)
	p.conn = conn

	return p, nil
}

func newPublisher(pub publisher, subject string) *Publisher {
	return &Publisher{
		pub:     pub,
		subject: subject,
		runID:   uuid.NewString(),
	}
}

// RunID identifies the process in every published message.
func (p *Publisher) RunID() string {
	return p.runID
}

// Abandon logs the operation and publishes it.
func (p *Publisher) Abandon(ctx context.Context, e *oplog.Entry, cause error) {
	repl.LogFailures{}.Abandon(ctx, e, cause)

	data, err := Message(p.runID, e, cause)
	if err != nil {
		log.Ctx(ctx).Error(err, "Build dead letter")

		return
	}

	err = p.pub.Publish(p.subject, data)
	if err != nil {
		log.Ctx(ctx).With(log.OpTime(e.TS.T, e.TS.I)).
			Errorf(err, "Publish dead letter for %q", e.NS)
	}
}

// Close flushes buffered messages and closes the connection.
func (p *Publisher) Close() {
	if p.conn == nil {
		return
	}

	err := p.conn.FlushTimeout(reconnectWait)
	if err != nil {
		log.New("deadletter").Error(err, "Flush dead letters")
	}

	p.conn.Close()
}

// Message renders a dead letter as canonical extended JSON.
func Message(runID string, e *oplog.Entry, cause error) ([]byte, error) {
	msg := bson.D{
		{"runId", runID},
		{"ns", e.NS},
		{"ts", e.TS},
		{"op", string(e.Op)},
		{"error", cause.Error()},
	}

	entry := e.Raw
	if len(entry) == 0 {
		raw, err := bson.Marshal(e)
		if err != nil {
			return nil, errors.Wrap(err, "marshal entry")
		}

		entry = raw
	}

	msg = append(msg, bson.E{Key: "entry", Value: entry})

	data, err := bson.MarshalExtJSON(msg, true, false)
	if err != nil {
		return nil, errors.Wrap(err, "marshal dead letter")
	}

	return data, nil
}
