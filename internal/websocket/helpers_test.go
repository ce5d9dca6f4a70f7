package websocket

import (
	"context"

	"github.com/sirupsen/logrus"

	"livelocation/internal/logger"
)

func contextPair() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}

func newServerLog() *logrus.Entry {
	return logger.WithComponent("websocket-test")
}
