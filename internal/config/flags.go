// Package config defines CLI flags for cloudsocketd, in the same shape as
// the teacher's pkg/temporal.Flags and internal/thrippy.Flags: every value
// can be set by a CLI flag, an environment variable, or a key in the user's
// TOML config file, in that priority order.
package config

import (
	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"
)

const (
	DefaultCloudHost      = "wss://clouddata.scratch.mit.edu"
	DefaultTurboWarpHost  = "wss://clouddata.turbowarp.org"
	DefaultPacketSize     = "AUTO"
	DefaultReconnectTries = 10
	DefaultWritePaceMS    = 100
	DefaultSaltWindowSecs = 30
	DefaultScheme         = "ec"
	DefaultRSAByteLength  = 130
)

// Flags returns every CLI flag cloudsocketd understands, sourced (in
// priority order) from the flag itself, an environment variable, then the
// TOML config file at configFilePath.
func Flags(configFilePath altsrc.StringSourcer) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "cloud-host",
			Usage: "cloud-variable WebSocket endpoint",
			Value: DefaultCloudHost,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CLOUDSOCKET_HOST"),
				toml.TOML("cloud.host", configFilePath),
			),
		},
		&cli.BoolFlag{
			Name:  "turbowarp",
			Usage: "use the TurboWarp cloud-variable flavor (no cookie auth, larger packets)",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CLOUDSOCKET_TURBOWARP"),
				toml.TOML("cloud.turbowarp", configFilePath),
			),
		},
		&cli.StringFlag{
			Name:  "user-agent",
			Usage: "HTTP User-Agent sent during the WebSocket handshake (required by the TurboWarp flavor)",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CLOUDSOCKET_USER_AGENT"),
				toml.TOML("cloud.user_agent", configFilePath),
			),
		},
		&cli.IntFlag{
			Name:  "project-id",
			Usage: "project ID to authenticate the cloud-variable handshake against",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CLOUDSOCKET_PROJECT_ID"),
				toml.TOML("cloud.project_id", configFilePath),
			),
		},
		&cli.StringFlag{
			Name:  "packet-size",
			Usage: `cloud-socket outbound packet size ("AUTO" or an integer)`,
			Value: DefaultPacketSize,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CLOUDSOCKET_PACKET_SIZE"),
				toml.TOML("cloudsocket.packet_size", configFilePath),
			),
		},
		&cli.IntFlag{
			Name:  "reconnect-tries",
			Usage: "number of reconnect attempts before a write/read is surfaced as a TransportError",
			Value: DefaultReconnectTries,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CLOUDSOCKET_RECONNECT_TRIES"),
				toml.TOML("cloudlink.reconnect_tries", configFilePath),
			),
		},
		&cli.IntFlag{
			Name:  "write-pace-ms",
			Usage: "minimum delay between consecutive cloud-variable writes",
			Value: DefaultWritePaceMS,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CLOUDSOCKET_WRITE_PACE_MS"),
				toml.TOML("cloudlink.write_pace_ms", configFilePath),
			),
		},
		&cli.IntFlag{
			Name:  "salt-window-secs",
			Usage: "not read: framing applies a fixed 30-second salt window",
			Value: DefaultSaltWindowSecs,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CLOUDSOCKET_SALT_WINDOW_SECS"),
				toml.TOML("framing.salt_window_secs", configFilePath),
			),
		},
		&cli.StringFlag{
			Name:  "key-exchange-scheme",
			Usage: `key exchange scheme for secure clients ("rsa" or "ec")`,
			Value: DefaultScheme,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CLOUDSOCKET_KEY_SCHEME"),
				toml.TOML("security.scheme", configFilePath),
			),
		},
		&cli.IntFlag{
			Name:  "rsa-byte-length",
			Usage: "byte length of each RSA prime factor, when key-exchange-scheme=rsa",
			Value: DefaultRSAByteLength,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CLOUDSOCKET_RSA_BYTE_LENGTH"),
				toml.TOML("security.rsa_byte_length", configFilePath),
			),
		},
	}
}
