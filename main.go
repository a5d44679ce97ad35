package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterh/liner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"

	"github.com/sammck-go/portbridge/internal/client"
	"github.com/sammck-go/portbridge/internal/server"
	"github.com/sammck-go/portbridge/internal/tunnel"
)

func main() {
	app := cli.NewApp()
	app.Name = "portbridge"
	app.Usage = "reverse port-forwarding tunnel"
	app.Commands = []cli.Command{
		{
			Name:  "server",
			Usage: "run the tunnel server",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "config", Usage: "path to a server config JSON file"},
				cli.StringFlag{Name: "admin-addr", Usage: "optional address to serve /healthz and /metrics on"},
				cli.StringFlag{Name: "log-level", Value: "info"},
			},
			Action: runServer,
		},
		{
			Name:  "client",
			Usage: "run the tunnel client",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "config", Usage: "path to a client config JSON file"},
				cli.StringFlag{Name: "log-level", Value: "info"},
			},
			Action: runClient,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withSigCancel(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sig)
	}()
	return ctx, cancel
}

func runServer(cctx *cli.Context) error {
	logger := tunnel.NewLogger("server", levelFromFlag(cctx))

	cfg, err := tunnel.LoadServerConfig(cctx.String("config"))
	if err != nil {
		// Configuration errors are fatal at startup, per SPEC_FULL.md §7.
		return cli.NewExitError(err.Error(), 1)
	}
	if addr := cctx.String("admin-addr"); addr != "" {
		cfg.AdminAddr = addr
	}

	reg := prometheus.NewRegistry()
	metrics := tunnel.NewMetrics(reg)

	ctx, cancel := withSigCancel(context.Background())
	defer cancel()

	s := server.New(cfg, logger, metrics)

	if cfg.AdminAddr != "" {
		admin := tunnel.NewAdminServer(logger.Fork("admin"), cfg.AdminAddr, reg)
		go admin.Serve(ctx)
	}

	go runOperatorPrompt(s, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			logger.ELogf("server exited with error: %s", err)
			return cli.NewExitError(err.Error(), 1)
		}
	case <-ctx.Done():
		s.StartShutdown(nil)
		<-errCh
	}
	logger.ILogf("server stopped")
	return nil
}

// runOperatorPrompt blocks reading operator lines; "exit" triggers graceful
// shutdown, per SPEC_FULL.md §6.
func runOperatorPrompt(s *server.Server, logger tunnel.Logger) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for {
		cmd, err := line.Prompt("portbridge> ")
		if err != nil {
			return
		}
		if strings.TrimSpace(strings.ToLower(cmd)) == "exit" {
			logger.ILogf("operator requested shutdown")
			s.StartShutdown(nil)
			return
		}
	}
}

func runClient(cctx *cli.Context) error {
	logger := tunnel.NewLogger("client", levelFromFlag(cctx))

	cfg, err := tunnel.LoadClientConfig(cctx.String("config"))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	reg := prometheus.NewRegistry()
	metrics := tunnel.NewMetrics(reg)

	ctx, cancel := withSigCancel(context.Background())
	defer cancel()

	c := client.New(cfg, logger, metrics)
	if err := c.Run(ctx); err != nil {
		logger.ELogf("client exited with error: %s", err)
		return cli.NewExitError(err.Error(), 1)
	}
	logger.ILogf("client stopped")
	return nil
}

func levelFromFlag(cctx *cli.Context) tunnel.LogLevel {
	lvl := tunnel.StringToLogLevel(cctx.String("log-level"))
	if lvl == tunnel.LogLevelUnknown {
		lvl = tunnel.LogLevelInfo
	}
	return lvl
}
