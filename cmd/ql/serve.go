package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"queueline/internal/app"
	"queueline/internal/engine"
	"queueline/internal/notify"
	"queueline/internal/reconcile"
	"queueline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the REST API, websocket feeds for displays, webhooks and the scheduled position sweep.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			workspace := viper.GetString("workspace")
			logger := newLogger()
			cfg, err := app.LoadConfig(workspace, viper.GetString("tenant"))
			if err != nil {
				return err
			}
			conn, dialect, err := app.OpenStore(workspace, cfg, viper.GetString("db-driver"), viper.GetString("db-dsn"))
			if err != nil {
				return err
			}
			defer conn.Close()
			e := engine.New(conn, dialect, cfg)
			if _, cfg, err = app.ResolveTenantAndConfig(ctx, workspace, viper.GetString("tenant"), e.Repo); err != nil {
				return err
			}
			e.Config = cfg
			e.Logger = logger

			var hub *notify.Hub
			if cfg.Notify.Websocket {
				hub = notify.NewHub(logger)
				go hub.Run(ctx)
			}
			sinks, closeSinks, err := buildSinks(cfg, logger, hub)
			if err != nil {
				return err
			}
			defer closeSinks()
			e.Sink = sinks

			if cfg.Reconcile.Enabled {
				sweeper := reconcile.Sweeper{Queues: e.Repo, Engine: e, Logger: logger, Timeout: time.Minute}
				c, err := reconcile.Start(cfg.Reconcile.Schedule, sweeper)
				if err != nil {
					return err
				}
				defer func() { <-c.Stop().Done() }()
			}
			server.StartWebhooks(ctx, e, logger)

			handler, err := server.New(server.Config{
				Engine:   e,
				Hub:      hub,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Logger: logger},
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving queueline api", "addr", addr, "base_path", basePath, "tenant_id", cfg.Tenant.ID)
			fmt.Printf("Serving Queueline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret; when set every API call needs a bearer token")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}
