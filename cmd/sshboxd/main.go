package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/keelhouse-io/sshboxd/internal/agent"
	"github.com/keelhouse-io/sshboxd/internal/config"
	"github.com/keelhouse-io/sshboxd/internal/hostkeys"
	"github.com/keelhouse-io/sshboxd/internal/identity"
	"github.com/keelhouse-io/sshboxd/internal/sshdconfig"
	"github.com/keelhouse-io/sshboxd/internal/supervisor"
	"github.com/keelhouse-io/sshboxd/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	app := &cli.Command{
		Name:    "sshboxd",
		Usage:   "Environment-driven OpenSSH container entrypoint",
		Version: version,
		Commands: []*cli.Command{
			runCommand(),
			renderCommand(),
			checkCommand(),
			versionCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultsFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "defaults",
		Usage: "Optional YAML defaults file (environment always wins)",
		Value: config.DefaultsPath,
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Provision the container and run sshd in the foreground",
		Flags: []cli.Flag{defaultsFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runEntrypoint(ctx, cmd.String("defaults"))
		},
	}
}

func renderCommand() *cli.Command {
	return &cli.Command{
		Name:  "render",
		Usage: "Print the sshd_config that would be written, without side effects",
		Flags: []cli.Flag{defaultsFlag()},
		Action: func(_ context.Context, cmd *cli.Command) error {
			logger := telemetry.NewLogger(0)
			cfg, err := loadConfig(cmd.String("defaults"), logger)
			if err != nil {
				return err
			}
			paths, err := hostkeys.DefaultManager().Paths()
			if err != nil {
				return err
			}
			fmt.Print(sshdconfig.Render(cfg, paths))
			return nil
		},
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Validate the environment configuration and exit",
		Flags: []cli.Flag{defaultsFlag()},
		Action: func(_ context.Context, cmd *cli.Command) error {
			logger := telemetry.NewLogger(0)
			cfg, err := loadConfig(cmd.String("defaults"), logger)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Configuration check FAILED: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Configuration OK\n")
			fmt.Printf("  User:         %s\n", cfg.User)
			fmt.Printf("  Port:         %d\n", cfg.Port)
			fmt.Printf("  Password auth: %v\n", cfg.PasswordAuth)
			fmt.Printf("  Pubkey auth:   %v\n", cfg.PubkeyAuth)
			fmt.Printf("  Agent:         %v\n", cfg.AgentStart)
			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the entrypoint version",
		Action: func(_ context.Context, _ *cli.Command) error {
			fmt.Printf("sshboxd %s (%s/%s)\n", version, runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}
}

// loadConfig reads the raw environment once and validates it into the
// immutable configuration record.
func loadConfig(defaultsPath string, logger *logrus.Logger) (*config.Config, error) {
	settings, err := config.Load(defaultsPath, logger)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Validate(settings, logger)
	if err != nil {
		return nil, fmt.Errorf("fatal configuration: %w", err)
	}
	return cfg, nil
}

// runEntrypoint is the configuration-to-running-daemon sequence: validate,
// provision identity, install host keys, start the agent, render and
// validate sshd_config, then hand over to the process supervisor.
func runEntrypoint(ctx context.Context, defaultsPath string) error {
	bootLogger := telemetry.NewLogger(0)

	cfg, err := loadConfig(defaultsPath, bootLogger)
	if err != nil {
		return err
	}

	logger := telemetry.NewLogger(cfg.DebugLevel)
	if cfg.LogFile != "" {
		telemetry.AddFileSink(logger, cfg.LogFile)
	}
	logger.WithFields(logrus.Fields{
		"version": version,
		"user":    cfg.User,
		"port":    cfg.Port,
	}).Info("starting sshboxd")

	account, err := identity.DefaultProvisioner().Ensure(cfg, logger)
	if err != nil {
		return err
	}

	keyManager := hostkeys.DefaultManager()
	if err := keyManager.Install(cfg.HostKeys, logger); err != nil {
		return err
	}
	keyPaths, err := keyManager.Paths()
	if err != nil {
		return err
	}

	// The agent is a feature, not a dependency: when it cannot start, sshd
	// still must.
	agentSup := agent.New(cfg.AgentSocketPath, logger)
	if cfg.AgentStart {
		if err := agentSup.Start(cfg.AgentKeys, account, cfg.AgentForwarding); err != nil {
			logger.WithError(err).Error("ssh-agent unavailable, continuing without agent")
		}
	}

	configManager := sshdconfig.DefaultManager()
	if err := configManager.Write(sshdconfig.Render(cfg, keyPaths), logger); err != nil {
		return err
	}
	if err := configManager.Validate(logger); err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	sshd := supervisor.New(configManager.ConfigPath, logger)
	sshd.Preflight = func() error { return configManager.Validate(logger) }
	sshd.OnShutdown = agentSup.Stop

	code, err := sshd.Run(signalCtx)
	if err != nil {
		return err
	}
	if code != 0 {
		return cli.Exit(fmt.Sprintf("sshd exited with status %d", code), code)
	}
	return nil
}
