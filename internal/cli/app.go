package cli

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/rankwell/rankwell/internal/auth/session"
	"github.com/rankwell/rankwell/internal/cache"
	"github.com/rankwell/rankwell/internal/config"
	"github.com/rankwell/rankwell/internal/db"
	"github.com/rankwell/rankwell/internal/logging"
	"github.com/rankwell/rankwell/internal/platform"
)

// app bundles the wired collaborators every command needs. Constructed
// once per invocation; the session lives for the process lifetime.
type app struct {
	cfg      *config.Config
	database *gorm.DB
	bus      *platform.Bus
	session  *session.Session
}

// newApp loads configuration and wires the session with its production
// ports: file cache, sqlite credential store, platform exchange client,
// config-backed identity.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		logger.Warn("config problem, continuing with defaults", "err", err)
	}

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		return nil, err
	}
	database, err := db.InitDB(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open agent database: %w", err)
	}

	cachePath, err := cfg.CachePath()
	if err != nil {
		return nil, err
	}
	store, err := cache.OpenFile(cachePath)
	if err != nil {
		return nil, err
	}

	client := platform.NewClient(platform.ClientOptions{
		BaseURL:         cfg.Platform.URL,
		AnonKey:         cfg.Platform.AnonKey,
		ExchangeTimeout: cfg.ExchangeTimeoutDuration(),
	})

	bus := platform.NewBus()
	sess := session.New(session.Options{
		ClientID:    cfg.Google.ClientID,
		Cache:       store,
		Credentials: db.NewCredentials(database),
		Exchanger:   client,
		Identity: platform.StaticIdentity{
			UserID: cfg.Platform.UserID,
		},
		Bus: bus,
	})

	return &app{
		cfg:      cfg,
		database: database,
		bus:      bus,
		session:  sess,
	}, nil
}

// cmdContext attaches the application logger to the command context so
// every layer below logs through it.
func cmdContext(ctx context.Context) context.Context {
	return logging.WithLogger(ctx, logger)
}
