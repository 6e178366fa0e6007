package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"guibridge/bridge"
	"guibridge/config"
)

func main() {
	app := &cli.App{
		Name:  "guibridge",
		Usage: "bootstrap the control channel between this host and the GUI worker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the TOML config file.",
				Value: "guibridge.toml",
			},
			&cli.BoolFlag{
				Name:  "console",
				Usage: "Keep the worker's console window visible.",
			},
			&cli.StringFlag{
				Name:  "python",
				Usage: "Interpreter override used to launch the worker.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Set up the integration and serve until interrupted.",
				Action: func(ctx *cli.Context) error {
					return run(ctx, false)
				},
			},
			{
				Name:  "show",
				Usage: "Set up the integration, raise the worker GUI, and serve until interrupted.",
				Action: func(ctx *cli.Context) error {
					return run(ctx, true)
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cliCtx *cli.Context, show bool) error {
	cfgPath := cliCtx.String("config")
	if !cliCtx.IsSet("config") {
		if wd, err := os.Getwd(); err == nil {
			if found := config.Discover(config.DefaultFileName, wd); found != "" {
				cfgPath = found
			}
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cliCtx.Bool("console") {
		cfg.ShowConsole = true
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	b, err := bridge.New(bridge.WithConfig(cfg), bridge.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("building bridge: %w", err)
	}
	if p := cliCtx.String("python"); p != "" {
		b.RegisterPythonExecutable(p)
	}

	res, err := b.Setup(cliCtx.Context)
	if err != nil {
		// The library leaves this decision to the caller; a standalone
		// harness has nothing left to do, so report and exit nonzero.
		return fmt.Errorf("integration failed: %w", err)
	}
	logger.Sugar().Infof("integration ready on port %d (worker launched: %v)", res.Port, res.WorkerLaunched)

	if show {
		if err := b.Show(cliCtx.Context); err != nil {
			return fmt.Errorf("showing worker GUI: %w", err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	return b.Close()
}
