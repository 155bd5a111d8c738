package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/flexvdi/conn-forward/internal/agentsim"
	"github.com/flexvdi/conn-forward/internal/config"
	"github.com/flexvdi/conn-forward/internal/forwarder"
	"github.com/flexvdi/conn-forward/internal/logging"
	"github.com/flexvdi/conn-forward/internal/transport"
	"github.com/flexvdi/conn-forward/internal/wire"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "forwarderd",
		Usage:   "connection forwarding engine demo host",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./conf/forwarder.conf",
				Usage:   "path to the forwarder rules file",
				EnvVars: []string{"FORWARDER_CONF"},
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging regardless of the config file",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("forwarderd: %v", err))
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	printBanner()

	confFile := c.String("config")
	cfg, err := config.Load(confFile)
	if err != nil {
		slog.Warn("config load error, using defaults", "path", confFile, "error", err)
		cfg = &config.Config{}
	}

	logLevel := slog.LevelInfo
	if cfg.IsDebug() || c.Bool("debug") {
		logLevel = slog.LevelDebug
	}
	logWriter := logging.SetupWriter(cfg.LogDir(), cfg.LogRotationEnabled(), cfg.LogKeepDays())
	slog.SetDefault(slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("forwarderd starting", "version", version, "build", buildTime)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if rw, ok := logWriter.(*logging.RotatingWriter); ok {
		rw.Start(ctx)
		defer rw.Close()
	}

	config.StartWatcher(ctx, confFile, 5*time.Second)
	config.StartFsnotifyWatcher(ctx, confFile)

	link, err := transport.NewLink(ctx, transport.SimulateFlakyDial(2, 50*time.Millisecond))
	if err != nil {
		return fmt.Errorf("establishing agent channel: %w", err)
	}

	fwd := forwarder.New(
		func(cmd wire.Command, payload []byte, userCtx any) { link.Client.Send(cmd, payload) },
		nil,
		forwarder.WithWindowSize(cfg.WindowSize()),
		forwarder.WithMaxMsgSize(cfg.MaxMsgSize()),
		forwarder.WithLogger(slog.Default().With("component", "forwarder")),
	)

	agent := agentsim.New(func(cmd wire.Command, payload []byte) {
		link.Agent.Send(cmd, payload)
	}, cfg.WindowSize())

	link.Client.SetHandler(fwd.HandleMessage)
	link.Agent.SetHandler(agent.HandleMessage)
	link.Start(ctx)

	applyRules(fwd, cfg)
	printRuleTable(cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig)
	cancel()

	if err := fwd.Close(); err != nil {
		slog.Warn("forwarder shutdown reported errors", "error", err)
	}
	agent.Close()
	return nil
}

func applyRules(fwd *forwarder.Forwarder, cfg *config.Config) {
	for _, rule := range cfg.AssociateRemoteRules() {
		if !fwd.AssociateRemote(rule) {
			slog.Warn("associate_remote rule rejected", "rule", rule)
		}
	}
	for _, rule := range cfg.AssociateLocalRules() {
		if !fwd.AssociateLocal(rule) {
			slog.Warn("associate_local rule rejected", "rule", rule)
		}
	}
}

func printRuleTable(cfg *config.Config) {
	bold := color.New(color.Bold)
	bold.Println("active forwarding rules")
	for _, rule := range cfg.AssociateRemoteRules() {
		fmt.Printf("  %s %s\n", color.CyanString("remote->local"), rule)
	}
	for _, rule := range cfg.AssociateLocalRules() {
		fmt.Printf("  %s %s\n", color.GreenString("local->remote"), rule)
	}
}

func printBanner() {
	color.New(color.FgMagenta, color.Bold).Println("forwarderd - connection forwarding engine")
	fmt.Printf("%s %s (built %s)\nRuntime: %s %s/%s\n\n",
		color.CyanString("version"), version, buildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
