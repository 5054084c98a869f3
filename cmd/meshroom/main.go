// meshroom: CLI entry point.
//
// This tool forms a full mesh of WebRTC links among the participants of a
// room. The host creates the room on a signaling server and relays the
// negotiation between guests; once every pair is linked the guests talk to
// each other directly.
//
// It can be launched interactively (no subcommand) or non-interactively via
// the host, join and signal subcommands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/meshroom/internal/app"
	"github.com/1ureka/meshroom/internal/config"
	"github.com/1ureka/meshroom/internal/signaling"
	"github.com/1ureka/meshroom/internal/util"
)

var version = "dev"

var (
	flagConfig    string
	flagName      string
	flagSignalURL string
	flagListen    string
	flagDebug     bool
)

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "meshroom",
		Short:   "Full-mesh WebRTC rooms with a host-relayed bootstrap",
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				util.EnableDebug()
			}
			pterm.Info.Println(fmt.Sprintf("meshroom v%s", version))
			pterm.Println()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// No subcommand: interactive mode.
			return runInteractive(cmd.Context())
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&flagConfig, "config", "c", "", "YAML config file (env "+config.EnvConfig+")")
	flags.StringVarP(&flagName, "name", "n", "", "participant name, 4~16 letters or digits (env "+config.EnvName+")")
	flags.StringVarP(&flagSignalURL, "signal", "s", "", "signaling server URL (env "+config.EnvSignalURL+")")
	flags.BoolVar(&flagDebug, "debug", false, "enable debug logging")

	hostCmd := &cobra.Command{
		Use:   "host",
		Short: "Create a room and host it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(config.RoleHost, "")
			if err != nil {
				return err
			}
			return app.RunHost(cmd.Context(), cfg, os.Stdin)
		},
	}

	joinCmd := &cobra.Command{
		Use:   "join <room-code>",
		Short: "Join a room as a guest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(config.RoleGuest, args[0])
			if err != nil {
				return err
			}
			return app.RunGuest(cmd.Context(), cfg, os.Stdin)
		},
	}

	signalCmd := &cobra.Command{
		Use:   "signal",
		Short: "Run a signaling server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(config.RoleSignal, "")
			if err != nil {
				return err
			}
			return app.RunSignal(cmd.Context(), cfg)
		},
	}
	signalCmd.Flags().StringVarP(&flagListen, "listen", "l", "", "listen address (default "+config.DefaultListen+")")

	root.AddCommand(hostCmd, joinCmd, signalCmd)
	return root
}

func load(role config.Role, roomCode string) (*config.Config, error) {
	return config.Load(config.Options{
		Role:      role,
		Path:      flagConfig,
		Name:      flagName,
		RoomCode:  roomCode,
		SignalURL: flagSignalURL,
		Listen:    flagListen,
	})
}

// ---------------------------------------------------------------------------
// Interactive mode
// ---------------------------------------------------------------------------

// runInteractive prompts for the role and the missing settings.
func runInteractive(ctx context.Context) error {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host   - Create a room", "Guest  - Join a room", "Signal - Run a signaling server"}).
		WithDefaultText("Select your role").
		Show()
	pterm.Println()

	switch {
	case strings.HasPrefix(role, "Signal"):
		cfg, err := load(config.RoleSignal, "")
		if err != nil {
			return err
		}
		return app.RunSignal(ctx, cfg)

	case strings.HasPrefix(role, "Host"):
		if flagName == "" {
			flagName = askName()
		}
		cfg, err := load(config.RoleHost, "")
		if err != nil {
			return err
		}
		return app.RunHost(ctx, cfg, os.Stdin)

	default:
		if flagName == "" {
			flagName = askName()
		}
		code := askRoomCode()
		cfg, err := load(config.RoleGuest, code)
		if err != nil {
			return err
		}
		return app.RunGuest(ctx, cfg, os.Stdin)
	}
}

// askName prompts for a participant name until a valid one is entered.
func askName() string {
	if name := os.Getenv(config.EnvName); name != "" {
		return name
	}
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Your name (4 ~ 16 letters or digits)").
			Show()

		name := strings.TrimSpace(raw)
		if signaling.ValidName(name) {
			pterm.Println()
			return name
		}

		util.LogWarning("invalid name: must be 4 ~ 16 letters or digits")
		pterm.Println()
	}
}

// askRoomCode prompts for a non-empty room code.
func askRoomCode() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Room code").
			Show()

		if code := strings.TrimSpace(raw); code != "" {
			pterm.Println()
			return code
		}

		util.LogWarning("room code is required")
		pterm.Println()
	}
}
