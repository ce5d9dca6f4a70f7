package tokens

import (
	"context"

	"livelocation/internal/database"
	dbconfig "livelocation/pkg/database"
)

// SQLiteBackend stores tokens in the device_tokens table.
type SQLiteBackend struct {
	manager *database.Manager
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	config := dbconfig.DefaultConfig()
	if path != "" {
		config.DatabasePath = path
	}
	manager, err := database.NewManager(config)
	if err != nil {
		return nil, err
	}
	return &SQLiteBackend{manager: manager}, nil
}

func (b *SQLiteBackend) Load(ctx context.Context) (map[string]string, error) {
	return b.manager.ListDeviceTokens(ctx)
}

func (b *SQLiteBackend) Save(ctx context.Context, identity, token string) error {
	return b.manager.UpsertDeviceToken(ctx, identity, token)
}

func (b *SQLiteBackend) HealthCheck(ctx context.Context) error {
	return b.manager.HealthCheck(ctx)
}

func (b *SQLiteBackend) Close() error {
	return b.manager.Close()
}
