package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cochaviz/hyper/arch"
	"github.com/cochaviz/hyper/internal/config"
	"github.com/cochaviz/hyper/internal/daemon"
	"github.com/cochaviz/hyper/internal/emulator"
	"github.com/cochaviz/hyper/internal/instance"
	"github.com/cochaviz/hyper/internal/logging"
	"github.com/cochaviz/hyper/internal/setup"
)

const defaultLogLevel = "warning"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.New(logging.FormatText, os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err, "code", instance.Code(err))
		os.Exit(1)
	}
}

// globals are the persistent flags shared by every command.
type globals struct {
	logLevel   string
	configPath string
	socketPath string
}

func (g *globals) config() (*config.Config, error) {
	return config.Load(g.configPath)
}

// socket resolves the control socket: flag, then config file, then default.
func (g *globals) socket() (string, error) {
	if path := strings.TrimSpace(g.socketPath); path != "" {
		return path, nil
	}
	cfg, err := g.config()
	if err != nil {
		return "", err
	}
	return cfg.Socket, nil
}

func (g *globals) client() (*daemon.Client, error) {
	socket, err := g.socket()
	if err != nil {
		return nil, err
	}
	return daemon.NewClient(socket), nil
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	setup.SetLogger(logger.With("component", "setup"))

	g := &globals{}
	root := &cobra.Command{
		Use:           "hyper",
		Short:         "CLI for 'hyper': lifecycle management of emulated and confined instances",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&g.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&g.configPath, "config", config.DefaultPath, "Path to the YAML configuration file")
	root.PersistentFlags().StringVar(&g.socketPath, "socket", "", "Path to daemon control socket (default from config)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(g.logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newDaemonCommand(logger, levelVar, g),
		newCreateCommand(logger, g),
		newStartCommand(logger, g),
		newStopCommand(logger, g),
		newStatusCommand(g),
		newInspectCommand(g),
		newListCommand(g),
		newSetBootMediumCommand(g),
		newSetupCommand(g),
	)
	return root
}

func newDaemonCommand(logger *slog.Logger, levelVar *slog.LevelVar, g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the hyper daemon",
	}
	cmd.AddCommand(newDaemonServeCommand(logger, levelVar, g))
	return cmd
}

func newDaemonServeCommand(logger *slog.Logger, levelVar *slog.LevelVar, g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon server in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			if socket := strings.TrimSpace(g.socketPath); socket != "" {
				cfg.Socket = socket
			}
			if !cmd.Flags().Changed("log-level") {
				level, _ := logging.ParseLevel(cfg.LogLevel)
				levelVar.Set(level)
			}
			if format, _ := logging.ParseFormat(cfg.LogFormat); format == logging.FormatJSON {
				logger = logging.New(logging.FormatJSON, os.Stderr, levelVar)
			}

			logger.Info("starting daemon", "socket", cfg.Socket, "state_dir", cfg.StateDir, "instances", len(cfg.Instances))
			if err := daemon.Run(cmd.Context(), cfg, logger); err != nil {
				return err
			}
			logger.Info("daemon stopped")
			return nil
		},
	}
}

func newCreateCommand(logger *slog.Logger, g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new instance with the daemon",
	}
	cmd.AddCommand(
		newCreateEmulatedCommand(logger, g),
		newCreateConfinedCommand(logger, g),
	)
	return cmd
}

func newCreateEmulatedCommand(logger *slog.Logger, g *globals) *cobra.Command {
	var cfg instance.EmulatedConfig

	cmd := &cobra.Command{
		Use:   "emulated <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Create a full-machine emulated instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := resolveEmulatedPaths(&cfg); err != nil {
				return err
			}
			if err := validateEmulated(cfg); err != nil {
				return err
			}
			return create(cmd, logger, g, args[0], instance.Config{Kind: instance.BackendEmulated, Emulated: &cfg})
		},
	}

	cmd.Flags().StringVar(&cfg.BootMedium, "boot-medium", "", "Path to the boot medium (ISO image); may be set later")
	cmd.Flags().StringVar(&cfg.DiskImage, "disk-image", "", "Use an existing disk image instead of provisioning one")
	cmd.Flags().IntVar(&cfg.DiskSizeGB, "disk-size", emulator.DefaultDiskSizeGB, "Size in GB of the provisioned disk image")
	cmd.Flags().IntVar(&cfg.MemoryMB, "memory", 0, "Guest memory in MB (default from config)")
	return cmd
}

func newCreateConfinedCommand(logger *slog.Logger, g *globals) *cobra.Command {
	var (
		cfg         instance.ConfinedConfig
		memoryLimit string
	)

	cmd := &cobra.Command{
		Use:   "confined <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Create a namespace-confined instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			bytes, err := parseSize(memoryLimit)
			if err != nil {
				return fmt.Errorf("--memory-limit: %w", err)
			}
			cfg.MemoryLimit = bytes
			if cfg.DiskPath, err = absPath(cfg.DiskPath); err != nil {
				return fmt.Errorf("--disk-path: %w", err)
			}
			if err := validateConfined(cfg); err != nil {
				return err
			}
			return create(cmd, logger, g, args[0], instance.Config{Kind: instance.BackendConfined, Confined: &cfg})
		},
	}

	cmd.Flags().StringVar(&cfg.DiskPath, "disk-path", "", "Working directory of the confined shell")
	cmd.Flags().StringVar(&memoryLimit, "memory-limit", "", "Memory ceiling in bytes, or with a K/M/G suffix (required)")
	cmd.Flags().Int64Var(&cfg.CPUShare, "cpu-share", 0, "Relative CPU weight in cpu.shares units (required)")
	return cmd
}

func create(cmd *cobra.Command, logger *slog.Logger, g *globals, name string, cfg instance.Config) error {
	name = strings.TrimSpace(name)
	if err := instance.ValidateName(name); err != nil {
		return err
	}
	client, err := g.client()
	if err != nil {
		return err
	}
	info, err := client.Create(name, cfg)
	if err != nil {
		return err
	}
	if info.NotReady != "" {
		logger.Warn("instance created but not ready", "instance", info.Name, "reason", info.NotReady)
	}
	fmt.Fprintln(cmd.OutOrStdout(), info.Name, info.ID)
	return nil
}

func newStartCommand(logger *slog.Logger, g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "start <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Start an instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			name := strings.TrimSpace(args[0])
			if err := client.Start(name); err != nil {
				return err
			}
			logger.Info("instance started", "instance", name)
			fmt.Fprintln(cmd.OutOrStdout(), "started", name)
			return nil
		},
	}
}

func newStopCommand(logger *slog.Logger, g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Stop a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			name := strings.TrimSpace(args[0])
			if err := client.Stop(name); err != nil {
				return err
			}
			logger.Info("instance stopped", "instance", name)
			fmt.Fprintln(cmd.OutOrStdout(), "stopped", name)
			return nil
		},
	}
}

func newStatusCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Print whether an instance is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			state, err := client.Status(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), state)
			return nil
		},
	}
}

func newInspectCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <name>",
		Args:  cobra.ExactArgs(1),
		Short: "Print the details of an instance as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			info, err := client.Inspect(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}
}

func newListCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List instances registered with the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			names, err := client.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(names) == 0 {
				fmt.Fprintln(out, "no instances")
				return nil
			}
			for _, name := range names {
				state, err := client.Status(name)
				if err != nil {
					fmt.Fprintf(out, "%s\tunknown (%v)\n", name, err)
					continue
				}
				fmt.Fprintf(out, "%s\t%s\n", name, state)
			}
			return nil
		},
	}
}

func newSetBootMediumCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "set-boot-medium <name> <path>",
		Args:  cobra.ExactArgs(2),
		Short: "Select the boot medium of a stopped emulated instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			name := strings.TrimSpace(args[0])
			path, err := absPath(args[1])
			if err != nil {
				return err
			}
			if err := client.SetBootMedium(name, path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "boot medium set for", name)
			return nil
		},
	}
}

func newSetupCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Inspect the host setup",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check that the host provides what the backends need",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config()
			if err != nil {
				return err
			}
			a, err := arch.Parse(cfg.Emulator.Arch)
			if err != nil {
				return err
			}
			checks, err := setup.Verify(setup.Requirements{
				CgroupRoot:     cfg.Namespace.CgroupRoot,
				CgroupVersion:  cfg.CgroupVersion(),
				Driver:         emulator.Driver(cfg.Emulator.Driver),
				Arch:           a,
				EmulatorBinary: cfg.Emulator.Binary,
				ImgBinary:      cfg.Emulator.ImgBinary,
				ConnectionURI:  cfg.Emulator.ConnectionURI,
			})
			out := cmd.OutOrStdout()
			for _, check := range checks {
				status := "ok"
				if !check.OK() {
					status = "FAIL: " + check.Err.Error()
				}
				fmt.Fprintf(out, "%-13s %s\t%s\n", check.Name, check.Detail, status)
			}
			return err
		},
	})
	return cmd
}
