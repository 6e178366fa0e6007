// workerstub runs the recording stand-in for the worker control endpoint,
// for exercising a host against something that answers the contract without
// bringing up a real GUI.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"guibridge/worker/workertest"
)

func main() {
	app := &cli.App{
		Name:  "workerstub",
		Usage: "run a stand-in worker control endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "The address for the control server to listen on.",
				Value: "127.0.0.1:9090",
			},
		},
		Action: func(ctx *cli.Context) error {
			logger, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}

			w, err := workertest.Start(logger.Sugar(), ctx.String("listen"))
			if err != nil {
				return err
			}
			logger.Sugar().Infof("stub worker control endpoint on port %d", w.Port())

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig

			return w.Close()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
