package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatcore/pkg/connector"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyLogger
	contextKeyClient
	contextKeyRegistry
)

func getConfig(ctx *cli.Context) *connector.Config {
	return ctx.Context.Value(contextKeyConfig).(*connector.Config)
}

func getLogger(ctx *cli.Context) zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(zerolog.Logger)
}

func getClient(ctx *cli.Context) *connector.Client {
	val := ctx.Context.Value(contextKeyClient)
	if val == nil {
		return nil
	}
	return val.(*connector.Client)
}

// getRegistry is nil unless metrics.listen is configured.
func getRegistry(ctx *cli.Context) prometheus.Registerer {
	val := ctx.Context.Value(contextKeyRegistry)
	if val == nil {
		return nil
	}
	return val.(*prometheus.Registry)
}

func getConfigPath() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "chatctl", "config.yaml")
}

func prepareApp(ctx *cli.Context) error {
	cfg, err := connector.LoadConfig(ctx.String("config"), true)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	level, _ := zerolog.ParseLevel(cfg.Logging.Level)
	if ctx.Bool("verbose") {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(level).
		With().Timestamp().Logger()
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	if cfg.Metrics.Listen != "" {
		newCtx = context.WithValue(newCtx, contextKeyRegistry, prometheus.NewRegistry())
	}
	ctx.Context = newCtx
	return nil
}

// requiresClient connects to the backend before the command runs. The
// client is closed again by disconnectClient.
func requiresClient(ctx *cli.Context) error {
	client, err := connector.NewClient(getConfig(ctx), connector.Options{
		Token:      ctx.String("token"),
		Registerer: getRegistry(ctx),
	}, getLogger(ctx))
	if err != nil {
		return err
	}
	if err = client.Connect(ctx.Context); err != nil {
		client.Disconnect()
		return err
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyClient, client)
	return nil
}

func disconnectClient(ctx *cli.Context) error {
	if client := getClient(ctx); client != nil {
		client.Disconnect()
	}
	return nil
}

// requiresConversation connects and opens the conversation named by the
// first argument.
func requiresConversation(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("you must specify a conversation ID")
	}
	if err := requiresClient(ctx); err != nil {
		return err
	}
	return getClient(ctx).Open(ctx.Args().First())
}

func main() {
	_ = godotenv.Load()
	app := &cli.App{
		Name:    "chatctl",
		Usage:   "Talk to a chat backend from the terminal",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to config file",
				EnvVars: []string{"CHATCTL_CONFIG"},
				Value:   getConfigPath(),
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token, overrides api.token_file",
				EnvVars: []string{"CHATCTL_TOKEN"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Before: prepareApp,
		Commands: []*cli.Command{
			whoamiCommand,
			chatsCommand,
			historyCommand,
			sendCommand,
			uploadCommand,
			recordCommand,
			editCommand,
			deleteCommand,
			deleteChatCommand,
			membersCommand,
			notificationsCommand,
			acceptCommand,
			readAllCommand,
			watchCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
