package notify

import (
	"context"

	"github.com/sirupsen/logrus"

	"livelocation/internal/logger"
)

// LogDispatcher records pushes in the log instead of sending them. It is the
// default when no push transport is configured.
type LogDispatcher struct {
	log *logrus.Entry
}

func NewLogDispatcher() *LogDispatcher {
	return &LogDispatcher{log: logger.WithComponent("notify")}
}

func (d *LogDispatcher) SendMany(ctx context.Context, tokens []string, title, body string, data map[string]string) error {
	if len(tokens) == 0 {
		return nil
	}
	d.log.WithFields(logrus.Fields{
		"devices": len(tokens),
		"title":   title,
		"body":    body,
		"data":    data,
	}).Info("push notification")
	return nil
}
