package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/campuslink/campuslink/internal/api"
	"github.com/campuslink/campuslink/internal/config"
	"github.com/campuslink/campuslink/internal/discovery"
	"github.com/campuslink/campuslink/internal/friend"
	"github.com/campuslink/campuslink/internal/identity"
	"github.com/campuslink/campuslink/internal/logging"
	"github.com/campuslink/campuslink/internal/metrics"
	"github.com/campuslink/campuslink/internal/profile"
	"github.com/campuslink/campuslink/internal/wizard"
)

// shutdownTimeout bounds graceful shutdown after a signal.
const shutdownTimeout = 10 * time.Second

func initCmd(opts *clientOptions) *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Set up a new node",
		Long: `Run the interactive setup wizard: choose where to keep data, fill in
your profile and timetable, and write the configuration file.

Without a terminal, only the identity key and a default configuration
are created.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if isInteractive() {
				_, err := wizard.New().Run()
				return err
			}

			kp, created, err := identity.LoadOrCreate(dataDir)
			if err != nil {
				return fmt.Errorf("failed to initialize identity: %w", err)
			}
			if created {
				fmt.Printf("Node initialized in %s\n", dataDir)
			} else {
				fmt.Printf("Node already initialized in %s\n", dataDir)
			}
			fmt.Printf("Endpoint ID: %s\n", kp.ID().String())

			if _, err := os.Stat(opts.configPath); errors.Is(err, os.ErrNotExist) {
				cfg := config.Default()
				cfg.Node.DataDir = dataDir
				if err := config.Save(opts.configPath, cfg); err != nil {
					return err
				}
				fmt.Printf("Default config written to %s\n", opts.configPath)
				fmt.Printf("Write your profile to %s before running.\n", cfg.ProfilePath())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state (non-interactive only)")

	return cmd
}

func runCmd(opts *clientOptions) *cobra.Command {
	var noConsole bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node",
		Long:  "Start the node with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runNode(cfg, !noConsole && isInteractive())
		},
	}

	cmd.Flags().BoolVar(&noConsole, "no-console", false, "Do not prompt for incoming requests on the terminal")

	return cmd
}

func runNode(cfg *config.Config, interactive bool) error {
	logger := logging.NewLogger(cfg.Node.LogLevel, cfg.Node.LogFormat)

	kp, created, err := identity.LoadOrCreate(cfg.Node.DataDir)
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}
	if created {
		logger.Info("new identity created", logging.KeyEndpointID, kp.ID().String())
	}

	svc, err := friend.New(serviceConfig(cfg, kp, logger, metrics.Default()))
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	if sd, err := profile.Load(cfg.ProfilePath()); err == nil {
		if err := svc.SetProfile(sd); err != nil {
			logger.Warn("profile rejected", logging.KeyError, err)
		}
	} else {
		logger.Warn("no profile loaded; set one with \"campuslink profile set\"", logging.KeyError, err)
	}

	hub := api.NewHub(logger)
	sinks := []friend.Sink{hub}
	var con *console
	if interactive {
		con = newConsole(svc, friend.NewChannelSink(friend.DefaultBacklog))
		sinks = append(sinks, con.sink)
	}

	if err := svc.Start(friend.Tee(sinks...)); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	if cfg.Discovery.Enabled {
		if err := svc.StartDiscovery(); err != nil {
			logger.Warn("discovery not started", logging.KeyError, err)
		}
	}

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(api.ServerConfig{
			Address:      cfg.API.Address,
			Token:        cfg.API.Token,
			TokenHash:    cfg.API.TokenHash,
			ReadTimeout:  cfg.API.ReadTimeout,
			WriteTimeout: cfg.API.WriteTimeout,
			Logger:       logger,
		}, svc, hub)
		if err := server.Start(); err != nil {
			svc.Shutdown(context.Background())
			return fmt.Errorf("failed to start API: %w", err)
		}
	}

	printStartup(svc, cfg, server)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if con != nil {
		go con.run(ctx)
	}

	<-ctx.Done()
	fmt.Println("\nShutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if server != nil {
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Warn("api shutdown", logging.KeyError, err)
		}
	}
	if con != nil {
		con.sink.Close()
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		fmt.Printf("Shutdown error: %v\n", err)
		return err
	}

	fmt.Println("Node stopped.")
	return nil
}

// serviceConfig maps the file configuration onto the service.
func serviceConfig(cfg *config.Config, kp *identity.Keypair, logger *slog.Logger, m *metrics.Metrics) friend.Config {
	return friend.Config{
		Keypair:          kp,
		ListenAddr:       cfg.Endpoint.Listen,
		HandshakeTimeout: cfg.Endpoint.HandshakeTimeout,
		IdleTimeout:      cfg.Endpoint.IdleTimeout,
		RejectLinger:     cfg.Endpoint.RejectLinger,
		Limits: friend.Limits{
			RequestBytes: cfg.Limits.RequestBytes,
			ProfileBytes: cfg.Limits.ProfileBytes,
		},
		InboundRate:  cfg.Limits.InboundRate,
		InboundBurst: cfg.Limits.InboundBurst,
		MDNS: discovery.MDNSConfig{
			ServiceTag:      cfg.Discovery.ServiceTag,
			Interval:        cfg.Discovery.Interval,
			PeerTTL:         cfg.Discovery.PeerTTL,
			AddressBookSize: cfg.Discovery.AddressBookSize,
		},
		DisableDiscovery: !cfg.Discovery.Enabled,
		Backlog:          cfg.Limits.EventBacklog,
		Logger:           logger,
		Metrics:          m,
	}
}

func printStartup(svc *friend.Service, cfg *config.Config, server *api.Server) {
	fmt.Println(titleStyle.Render("campuslink node running"))
	fmt.Printf("  Endpoint ID:  %s\n", svc.ID().String())
	fmt.Printf("  Ticket:       %s\n", svc.NodeAddr().String())
	if p := svc.Profile(); p != nil {
		fmt.Printf("  Profile:      %s (%s)\n", p.Name, p.Registration)
	}
	if svc.DiscoveryRunning() {
		fmt.Printf("  Discovery:    %s\n", cfg.Discovery.ServiceTag)
	} else {
		fmt.Println("  Discovery:    off")
	}
	if server != nil && server.Address() != nil {
		fmt.Printf("  API:          http://%s\n", server.Address())
	}
	fmt.Println()
}

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}
