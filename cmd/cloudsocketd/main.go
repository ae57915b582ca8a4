package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli/v3"

	"github.com/cloudmux/bridge/internal/config"
	"github.com/cloudmux/bridge/internal/logger"
	"github.com/cloudmux/bridge/internal/session"
	"github.com/cloudmux/bridge/internal/warnlog"
	"github.com/cloudmux/bridge/internal/xdgpaths"
	"github.com/cloudmux/bridge/pkg/cloudlink"
	"github.com/cloudmux/bridge/pkg/cloudsocket"
	"github.com/cloudmux/bridge/pkg/framing"
	"github.com/cloudmux/bridge/pkg/keyexchange"
	"github.com/cloudmux/bridge/pkg/metrics"
	"github.com/cloudmux/bridge/pkg/requesthandler"
)

const (
	ConfigDirName  = "cloudsocketd"
	ConfigFileName = "config.toml"
)

func main() {
	bi, _ := debug.ReadBuildInfo()

	cmd := &cli.Command{
		Name:    "cloudsocketd",
		Usage:   "bridges a cloud-variable WebSocket channel to a request/response RPC layer",
		Version: bi.Main.Version,
		Flags:   flags(),
		Action:  run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	fs := []cli.Flag{
		&cli.BoolFlag{
			Name:  "dev",
			Usage: "simple setup, but unsafe for production",
		},
		&cli.BoolFlag{
			Name:  "pretty-log",
			Usage: "human-readable console logging, instead of JSON",
		},
		&cli.StringFlag{
			Name:  "session-id",
			Usage: "platform session cookie value (out of scope: obtained by logging in over HTTPS)",
		},
		&cli.StringFlag{
			Name:  "username",
			Usage: "platform username",
		},
		&cli.StringFlag{
			Name:  "xtoken",
			Usage: "platform xtoken",
		},
	}

	return append(fs, config.Flags(configFile())...)
}

// configFile returns the path to the app's configuration file, creating an
// empty one if it doesn't already exist.
func configFile() altsrc.StringSourcer {
	path, err := xdgpaths.ConfigFile(ConfigDirName, ConfigFileName)
	if err != nil {
		logger.FatalError("failed to create config file", err)
	}
	return altsrc.StringSourcer(path)
}

func run(ctx context.Context, cmd *cli.Command) error {
	initLog(cmd.Bool("dev") || cmd.Bool("pretty-log"))

	if dataDir, err := xdgpaths.DataDir(ConfigDirName); err == nil {
		metrics.SetDataDir(dataDir)
	}
	warnlog.Subscribe(func(ctx context.Context, kind, msg string, err error) {
		logger.FromContext(ctx).Warn(msg, slog.String("kind", kind), slog.Any("error", err))
	})

	link, err := buildLink(cmd)
	if err != nil {
		return err
	}

	agreement, err := buildKeyAgreement(cmd)
	if err != nil {
		return err
	}

	packetSize, err := parsePacketSize(cmd.String("packet-size"))
	if err != nil {
		return err
	}

	var opts []cloudsocket.Option
	if packetSize > 0 {
		opts = append(opts, cloudsocket.WithPacketSize(packetSize))
	}
	socket := cloudsocket.New(link, agreement, opts...).Listen()

	handler := requesthandler.New(socket)
	registerBuiltinRequests(handler)

	if err := link.Connect(ctx); err != nil {
		return fmt.Errorf("cloudsocketd: failed to connect: %w", err)
	}
	defer socket.Stop(true)

	return handler.Run(ctx, 0)
}

func buildLink(cmd *cli.Command) (*cloudlink.Link, error) {
	opts := []cloudlink.Option{
		cloudlink.WithHost(cmd.String("cloud-host")),
		cloudlink.WithReconnectTries(cmd.Int("reconnect-tries")),
		cloudlink.WithWritePace(time.Duration(cmd.Int("write-pace-ms")) * time.Millisecond),
	}

	if cmd.Bool("turbowarp") {
		opts = append(opts, cloudlink.WithTurboWarp(cmd.String("user-agent"), cmd.String("username")))
	} else {
		sess, err := session.New(cmd.String("session-id"), cmd.String("username"), cmd.String("xtoken"))
		if err != nil {
			return nil, fmt.Errorf("cloudsocketd: %w", err)
		}
		opts = append(opts, cloudlink.WithSession(sess))
	}

	return cloudlink.New(cmd.Int("project-id"), opts...), nil
}

func buildKeyAgreement(cmd *cli.Command) (framing.KeyAgreement, error) {
	switch cmd.String("key-exchange-scheme") {
	case "rsa":
		keys, err := keyexchange.GenerateRSAKeys(cmd.Int("rsa-byte-length"))
		if err != nil {
			return nil, fmt.Errorf("cloudsocketd: failed to generate RSA keys: %w", err)
		}
		return keys, nil
	case "ec", "":
		keys, err := keyexchange.GenerateECKeys()
		if err != nil {
			return nil, fmt.Errorf("cloudsocketd: failed to generate EC keys: %w", err)
		}
		return keys, nil
	default:
		return nil, fmt.Errorf("cloudsocketd: unknown key-exchange-scheme %q", cmd.String("key-exchange-scheme"))
	}
}

// parsePacketSize returns 0 (meaning "let CloudSocket choose automatically")
// for the sentinel value "AUTO", or the configured integer override.
func parsePacketSize(raw string) (int, error) {
	if raw == "" || raw == config.DefaultPacketSize {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("cloudsocketd: invalid packet-size %q: %w", raw, err)
	}
	return n, nil
}

// registerBuiltinRequests registers the handful of requests every
// deployment gets for free: a liveness probe and an echo, useful for
// exercising the wire protocol end to end without any deployment-specific
// handler.
func registerBuiltinRequests(h *requesthandler.Handler) {
	_ = h.Register("ping", func() string { return "pong" })
	_ = h.Register("echo", func(text string) string { return text })
}

// initLog initializes the logger, based on whether it's running in
// development mode or not.
func initLog(devMode bool) {
	var handler slog.Handler
	if devMode {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:     slog.LevelDebug,
			AddSource: true,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level:     slog.LevelDebug,
			AddSource: true,
		})
	}

	slog.SetDefault(slog.New(handler))
}
