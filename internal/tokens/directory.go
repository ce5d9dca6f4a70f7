// Package tokens keeps the identity → push token directory used to notify
// recipients that are not connected.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"livelocation/internal/logger"
	"livelocation/pkg/interfaces"
	"livelocation/pkg/types"
)

var ErrDirectoryClosed = errors.New("token directory is closed")

// Backend persists registrations so they survive restarts.
type Backend interface {
	Load(ctx context.Context) (map[string]string, error)
	Save(ctx context.Context, identity, token string) error
	Close() error
}

type registration struct {
	identity string
	token    string
}

// Directory serves lookups from memory and writes registrations through to an
// optional Backend on a single background goroutine.
type Directory struct {
	mu      sync.RWMutex
	tokens  map[string]string
	closed  bool
	backend Backend
	writes  chan registration
	wg      sync.WaitGroup

	saveTimeout time.Duration
	log         *logrus.Entry
}

var _ interfaces.TokenDirectory = (*Directory)(nil)

// NewDirectory seeds the directory from backend. A nil backend keeps tokens
// in memory only.
func NewDirectory(ctx context.Context, backend Backend) (*Directory, error) {
	d := &Directory{
		tokens:      make(map[string]string),
		backend:     backend,
		saveTimeout: 5 * time.Second,
		log:         logger.WithComponent("tokens"),
	}
	if backend == nil {
		return d, nil
	}

	stored, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load device tokens: %w", err)
	}
	for identity, token := range stored {
		d.tokens[identity] = token
	}

	d.writes = make(chan registration, 256)
	d.wg.Add(1)
	go d.writeLoop()

	d.log.WithField("tokens", len(stored)).Info("Device token directory loaded")
	return d, nil
}

// Register records token as the latest push token for identity.
func (d *Directory) Register(identity, token string) error {
	if !types.IsValidIdentity(identity) {
		return fmt.Errorf("%w: invalid identity", types.ErrInvalidRequest)
	}
	token, err := types.ValidateDeviceToken(token)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDirectoryClosed
	}
	d.tokens[identity] = token

	if d.writes != nil {
		select {
		case d.writes <- registration{identity: identity, token: token}:
		default:
			d.log.WithField("identity", identity).Warn("Token write queue full, registration kept in memory only")
		}
	}
	return nil
}

// Lookup returns the registered token for identity.
func (d *Directory) Lookup(identity string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	token, ok := d.tokens[identity]
	return token, ok
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.tokens)
}

func (d *Directory) writeLoop() {
	defer d.wg.Done()
	for reg := range d.writes {
		ctx, cancel := context.WithTimeout(context.Background(), d.saveTimeout)
		if err := d.backend.Save(ctx, reg.identity, reg.token); err != nil {
			d.log.WithError(err).WithField("identity", reg.identity).Error("Failed to persist device token")
		}
		cancel()
	}
}

// Close flushes pending writes and closes the backend.
func (d *Directory) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	if d.writes != nil {
		close(d.writes)
	}
	d.mu.Unlock()

	d.wg.Wait()
	if d.backend != nil {
		return d.backend.Close()
	}
	return nil
}
