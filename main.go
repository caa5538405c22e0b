package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/urfave/cli/v2"

	"obd-relay/config"
	"obd-relay/elm327/simulator"
	"obd-relay/encoder"
	"obd-relay/logging"
	"obd-relay/mqtt"
	"obd-relay/obd"
	"obd-relay/relay"
	"obd-relay/transport/websocket"
)

var logger = logging.Register(log.New(os.Stdout, "[OBD-Relay] ", log.LstdFlags|log.Lshortfile))

var reconnectInterval = 5 * time.Second

// App - приложение командной строки
type App struct {
	*cli.App
	conc.WaitGroup
}

// NewApp создает приложение с командами serve и commands
func NewApp() *App {
	app := &App{}

	app.App = &cli.App{
		Name:  "obd-relay",
		Usage: "relay OBD-II diagnostics from an ELM327 adapter to websocket and MQTT clients",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "connect to the adapter and serve events",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "path to config file (default: config.yaml in . or /etc/obd-relay)",
					},
					&cli.StringFlag{
						Name:  "addr",
						Usage: "websocket listen address, overrides server.addr",
					},
					&cli.BoolFlag{
						Name:  "simulate",
						Usage: "use the built-in ELM327 simulator instead of a device",
					},
				},
				Action: func(c *cli.Context) error {
					return app.doServeCmd(c)
				},
			},
			{
				Name:  "commands",
				Usage: "list known OBD commands",
				Action: func(c *cli.Context) error {
					return printCommands(c.App.Writer, obd.Commands)
				},
			},
		},
	}
	return app
}

func (app *App) doServeCmd(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if c.Bool("simulate") {
		cfg.Simulate = true
	}
	if err := cfg.Logging.Apply(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	client := obd.NewAsync(cfg.OBD, obd.Commands, buildDial(cfg))
	defer client.Close()

	session := relay.NewSession(client, obd.Commands)
	r := relay.New(cfg.Relay, session, encoder.New(cfg.Encoder))
	server := websocket.NewServer(cfg.Server, r)

	if cfg.MQTT.Enabled {
		mirror := mqtt.NewClient(cfg.MQTT, r)
		if err := mirror.Start(); err != nil {
			return err
		}
		defer mirror.Stop()
	}

	app.Go(func() {
		connectLoop(ctx, client, reconnectInterval)
	})

	serveErr := make(chan error, 1)
	app.Go(func() {
		serveErr <- server.ListenAndServe(ctx)
	})

	logger.Println("OBD relay started. Press Ctrl+C to stop.")

	select {
	case err = <-serveErr:
	case <-ctx.Done():
	}
	cancel()

	app.Wait()
	if err == nil {
		select {
		case err = <-serveErr:
		default:
		}
	}
	return err
}

// buildDial выбирает устройство или симулятор
func buildDial(cfg *config.Config) obd.DialFunc {
	if cfg.Simulate {
		logger.Println("Using ELM327 simulator")
		return obd.DialConn(cfg.ELM327, simulator.New())
	}
	return obd.DialELM327(cfg.ELM327)
}

// connectLoop подключается к адаптеру, повторяя попытки до успеха или отмены ctx
func connectLoop(ctx context.Context, client *obd.Async, interval time.Duration) bool {
	for {
		err := client.Connect(ctx)
		if err == nil {
			logger.Printf("Adapter status: %s", client.Status())
			return true
		}
		logger.Printf("Adapter connect error: %v", err)
		logger.Printf("Reconnecting adapter in %v...", interval)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
}

// printCommands выводит таблицу команд реестра
func printCommands(w io.Writer, registry *obd.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPID\tDESCRIPTION")
	for _, name := range registry.Names() {
		cmd, err := registry.Get(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", cmd.Name, string(cmd.Command), cmd.Desc)
	}
	return tw.Flush()
}

func main() {
	app := NewApp()

	signals := []os.Signal{
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), signals...)
	defer cancel()

	if err := app.RunContext(ctx, os.Args); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("%v", err)
	}
}
