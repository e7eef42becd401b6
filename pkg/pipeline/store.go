package pipeline

import (
	"context"
	"fmt"

	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/storage"
	"github.com/MrCodeEU/rollcall/pkg/storage/filestore"
	"github.com/MrCodeEU/rollcall/pkg/storage/mysql"
	"github.com/MrCodeEU/rollcall/pkg/storage/postgres"
)

// OpenStore opens the store selected by cfg.Storage.Driver.
func OpenStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	sc := cfg.Storage
	log := logging.Component("storage").WithField("driver", sc.Driver)

	var (
		store storage.Store
		err   error
	)
	switch sc.Driver {
	case config.DriverFile, "":
		store, err = filestore.New(sc.DataDir, sc.EncryptionEnabled)
	case config.DriverPostgres:
		store, err = postgres.Open(ctx, sc.DatabaseURL, sc.MaxOpenConns)
	case config.DriverMySQL:
		store, err = mysql.Open(ctx, sc.DatabaseURL, sc.MaxOpenConns)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", sc.Driver, err)
	}

	log.Debug("store opened")
	return store, nil
}
