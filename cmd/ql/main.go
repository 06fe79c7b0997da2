package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"queueline/internal/app"
	"queueline/internal/config"
	"queueline/internal/db"
	"queueline/internal/engine"
	"queueline/internal/notify"
)

var rootCmd = &cobra.Command{
	Use:   "ql",
	Short: "Queueline CLI",
	Long: `Queueline keeps service-counter queues in order.
- Tenant: an organisation; every ticket, queue and event belongs to one.
- Ticket: a customer's place in a queue. Statuses go waiting -> called -> serving -> completed, with skipped, transferred and cancelled as exits.
- Position: waiting and called tickets hold a gap-free 1..N; priority tickets sit at 0 and are called first.
- Estimated wait: the summed service time of every active ticket ahead.
- Event log: every ticket change and position move, view with 'ql log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("QUEUELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("tenant", "", "tenant id (overrides config)")
	flags.Bool("force", false, "bypass the status transition table")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("db-driver", "", "database driver (sqlite, postgres)")
	flags.String("db-dsn", "", "database DSN")
	for _, name := range []string{"workspace", "json", "actor-id", "tenant", "force", "log-level", "db-driver", "db-dsn"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// withEngine opens the workspace store and hands fn an engine whose
// notifications go to the configured log and redis sinks.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
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
	sinks, closeSinks, err := buildSinks(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer closeSinks()
	e.Sink = sinks
	return fn(ctx, e)
}

// buildSinks assembles the notification fan-out from config. hub is only
// non-nil under serve.
func buildSinks(cfg *config.Config, logger *slog.Logger, hub *notify.Hub) (notify.Fanout, func(), error) {
	var sinks notify.Fanout
	closer := func() {}
	if cfg.Notify.Log {
		sinks = append(sinks, notify.LogSink{Logger: logger})
	}
	if hub != nil {
		sinks = append(sinks, hub)
	}
	if cfg.Notify.Redis.Enabled {
		rs, err := notify.NewRedisSink(cfg.Notify.Redis.URL, cfg.Notify.Redis.Stream, cfg.Notify.Redis.ChannelPrefix, cfg.Notify.Redis.MaxLen)
		if err != nil {
			return nil, closer, err
		}
		sinks = append(sinks, rs)
		closer = func() { rs.Close() }
	}
	return sinks, closer, nil
}

func tenantOf(e engine.Engine) string {
	return e.Config.Tenant.ID
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func positionString(p *int) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *p)
}
