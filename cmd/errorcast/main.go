package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/guseggert/errorcast/server"
	"github.com/guseggert/errorcast/server/process"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// exitCodeUsage is the exit code for invalid arguments. Nothing has been started when it is returned.
const exitCodeUsage = 2

func newLogger(verbose bool) (*zap.Logger, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	if !verbose {
		logger = logger.WithOptions(zap.IncreaseLevel(zapcore.InfoLevel))
	}
	return logger, nil
}

func newApp(stdout io.Writer) *cli.App {
	return &cli.App{
		Name:    "errorcast",
		Usage:   "run commands and push their stderr to browser error overlays over WebSocket",
		Version: version,
		Writer:  stdout,
		// exit codes are handled by main, so that tests can run the app
		ExitErrHandler: func(*cli.Context, error) {},
		// commands routinely contain commas, e.g. "tsc --lib es2015,dom"
		DisableSliceFlagSeparator: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "The port on which the WebSocket server listens.",
				Value:   server.DefaultPort,
			},
			&cli.StringSliceFlag{
				Name:    "command",
				Aliases: []string{"c"},
				Usage:   "A command to run, whose stderr will be displayed in the error overlay. May be repeated.",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging.",
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:  "tail",
				Usage: "print the output pushed by a running server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "The address of the server.",
						Value: fmt.Sprintf("127.0.0.1:%d", server.DefaultPort),
					},
				},
				Action: tail,
			},
		},
	}
}

// usageError prints the help text and returns an error that exits with exitCodeUsage.
func usageError(ctx *cli.Context, format string, a ...interface{}) error {
	_ = cli.ShowAppHelp(ctx)
	return cli.Exit(fmt.Errorf(format, a...), exitCodeUsage)
}

// commandLines returns the command lines given on the command line.
// Arguments after a -c value that are not flags are commands too, e.g. -c "tsc --watch" "webpack --watch".
func commandLines(ctx *cli.Context) ([]string, error) {
	rawCommands := ctx.StringSlice("command")
	extra := ctx.Args().Slice()
	if len(extra) == 0 {
		return rawCommands, nil
	}
	if len(rawCommands) == 0 {
		return nil, fmt.Errorf("unexpected argument %q, commands are given with --command", extra[0])
	}
	for _, arg := range extra {
		// flag parsing stops at the first non-flag argument, so a flag here would be silently run as a command
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q must come before the commands", arg)
		}
	}
	return append(rawCommands, extra...), nil
}

func serve(ctx *cli.Context) error {
	rawCommands, err := commandLines(ctx)
	if err != nil {
		return usageError(ctx, "%w", err)
	}
	if len(rawCommands) == 0 {
		return cli.ShowAppHelp(ctx)
	}
	var commands []process.Command
	for i, raw := range rawCommands {
		c, err := process.ParseCommand(raw)
		if err != nil {
			return usageError(ctx, "parsing command %d: %w", i, err)
		}
		commands = append(commands, c)
	}

	logger, err := newLogger(ctx.Bool("verbose"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	s, err := server.New(
		server.WithLogger(logger),
		server.WithListenAddr(fmt.Sprintf("0.0.0.0:%d", ctx.Int("port"))),
	)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	err = s.Listen()
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Context.Done()
		if err := s.Stop(); err != nil {
			logger.Sugar().Debugf("error stopping server: %s", err)
		}
	}()

	bridge := &process.Bridge{
		Log:    logger.Named("bridge").Sugar(),
		Stderr: s.Broadcaster(),
	}
	for _, c := range commands {
		_, err := bridge.Start(c)
		if err != nil {
			s.Stop()
			return err
		}
	}

	return s.Serve()
}

func tail(ctx *cli.Context) error {
	logger, err := newLogger(false)
	if err != nil {
		return err
	}
	client := server.NewClient(logger.Sugar(), ctx.String("addr"))

	err = client.WaitForServer(ctx.Context)
	if err != nil {
		return fmt.Errorf("waiting for server: %w", err)
	}
	sub, err := client.Subscribe(ctx.Context)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		b, err := sub.Next(ctx.Context)
		if websocket.CloseStatus(err) != -1 || ctx.Context.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading output: %w", err)
		}
		_, err = ctx.App.Writer.Write(b)
		if err != nil {
			return err
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := newApp(os.Stdout).RunContext(ctx, os.Args)
	var exitErr cli.ExitCoder
	if errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, exitErr.Error())
		os.Exit(exitErr.ExitCode())
	}
	if err != nil {
		log.Fatal(err)
	}
}
