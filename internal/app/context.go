package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"queueline/internal/config"
	"queueline/internal/db"
	"queueline/internal/domain"
	"queueline/internal/migrate"
	"queueline/internal/repo"
)

// LoadConfig reads queueline.yml from the workspace, falling back to the
// defaults for tenantOverride (or "default") when no file exists. A non-empty
// tenantOverride always wins over the file.
func LoadConfig(workspace, tenantOverride string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		tenantID := strings.TrimSpace(tenantOverride)
		if tenantID == "" {
			tenantID = "default"
		}
		cfg = config.Default(tenantID)
	}
	if tenantOverride != "" {
		cfg.Tenant.ID = tenantOverride
	}
	return cfg, nil
}

// OpenStore opens and migrates the database described by cfg. dsnOverride and
// driverOverride take precedence over the config file.
func OpenStore(workspace string, cfg *config.Config, driverOverride, dsnOverride string) (*sql.DB, db.Dialect, error) {
	dbc := db.Config{Workspace: workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN}
	if driverOverride != "" {
		dbc.Driver = driverOverride
	}
	if dsnOverride != "" {
		dbc.DSN = dsnOverride
	}
	conn, err := db.Open(dbc)
	if err != nil {
		return nil, "", fmt.Errorf("open database: %w", err)
	}
	dialect := dbc.Dialect()
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("migrate: %w", err)
	}
	return conn, dialect, nil
}

// ResolveTenantAndConfig loads the workspace config and makes sure its tenant
// row exists.
func ResolveTenantAndConfig(ctx context.Context, workspace, tenantOverride string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := LoadConfig(workspace, tenantOverride)
	if err != nil {
		return "", nil, err
	}
	tenantID := cfg.Tenant.ID
	if tenantID == "" {
		return "", nil, fmt.Errorf("tenant not specified; set tenant.id or use --tenant")
	}
	now := domain.FormatTime(time.Now())
	if err := r.EnsureTenant(ctx, nil, tenantID, cfg.Tenant.Name, now); err != nil {
		return "", nil, fmt.Errorf("ensure tenant: %w", err)
	}
	return tenantID, cfg, nil
}
