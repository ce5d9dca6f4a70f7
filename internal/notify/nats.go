package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"

	"livelocation/internal/logger"
)

// Publisher is the subset of *nats.Conn the dispatcher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// PushRequest is the message handed to the push gateway over NATS.
type PushRequest struct {
	Tokens       []string     `json:"tokens"`
	Notification Notification `json:"notification"`
	SentAt       int64        `json:"sentAt"`
}

// NATSDispatcher forwards pushes to a gateway service listening on a subject.
type NATSDispatcher struct {
	pub     Publisher
	subject string
	conn    *nats.Conn
	log     *logrus.Entry
}

// DialNATS connects to url and returns a dispatcher publishing on subject.
func DialNATS(url, subject string) (*NATSDispatcher, error) {
	nc, err := nats.Connect(url,
		nats.Name("livelocation"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, oops.In("notify").With("url", url).Wrapf(err, "connect to nats")
	}
	d := NewNATSDispatcher(nc, subject)
	d.conn = nc
	return d, nil
}

func NewNATSDispatcher(pub Publisher, subject string) *NATSDispatcher {
	return &NATSDispatcher{
		pub:     pub,
		subject: subject,
		log:     logger.WithComponent("notify").WithField("subject", subject),
	}
}

// SendMany publishes one message for the whole batch and waits for the server
// to acknowledge the flush.
func (d *NATSDispatcher) SendMany(ctx context.Context, tokens []string, title, body string, data map[string]string) error {
	if len(tokens) == 0 {
		return nil
	}

	payload, err := json.Marshal(PushRequest{
		Tokens:       tokens,
		Notification: Notification{Title: title, Body: body, Data: data},
		SentAt:       time.Now().UnixMilli(),
	})
	if err != nil {
		return oops.In("notify").Wrapf(err, "encode push request")
	}

	if err := d.pub.Publish(d.subject, payload); err != nil {
		return oops.In("notify").With("subject", d.subject).Wrapf(err, "publish push request")
	}
	if err := d.pub.FlushWithContext(ctx); err != nil {
		return oops.In("notify").With("subject", d.subject).Wrapf(err, "flush push request")
	}

	d.log.WithField("devices", len(tokens)).Debug("push request published")
	return nil
}

// Close drains the underlying connection when the dispatcher owns it.
func (d *NATSDispatcher) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Drain()
}
