package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/manpreetbhatti/codepad/internal/client"
	"github.com/manpreetbhatti/codepad/internal/config"
	"github.com/manpreetbhatti/codepad/internal/langdetect"
	"github.com/manpreetbhatti/codepad/internal/logging"
)

func main() {
	cmd := &cli.Command{
		Name:  "codepad",
		Usage: "edit a shared codepad room from the terminal",
		Commands: []*cli.Command{
			joinCommand(),
			langCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "codepad:", err)
		os.Exit(1)
	}
}

func joinCommand() *cli.Command {
	return &cli.Command{
		Name:  "join",
		Usage: "join a room and edit its document line by line",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "room", Aliases: []string{"r"}, Usage: "room id", Required: true},
			&cli.StringFlag{Name: "server", Aliases: []string{"s"}, Usage: "websocket url (default $CODEPAD_SERVER)"},
			&cli.DurationFlag{Name: "debounce", Usage: "quiet period before an edit is sent"},
			&cli.DurationFlag{Name: "echo-window", Usage: "how long remote updates suppress local sends"},
			&cli.DurationFlag{Name: "timeout", Usage: "per attempt connection timeout"},
		},
		Action: join,
	}
}

func join(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	if cmd.IsSet("server") {
		cfg.ServerURL = cmd.String("server")
	}
	if cmd.IsSet("debounce") {
		cfg.Debounce = cmd.Duration("debounce")
	}
	if cmd.IsSet("echo-window") {
		cfg.EchoWindow = cmd.Duration("echo-window")
	}
	if cmd.IsSet("timeout") {
		cfg.ConnectTimeout = cmd.Duration("timeout")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.New(os.Stderr, cfg.LogLevel, "text")
	term := newTerminal(os.Stdout)

	session, err := client.NewSession(term, client.Options{
		URL:            cfg.ServerURL,
		RoomID:         cmd.String("room"),
		Debounce:       cfg.Debounce,
		EchoWindow:     cfg.EchoWindow,
		MaxAttempts:    cfg.ReconnectAttempts,
		ConnectTimeout: cfg.ConnectTimeout,
		Log:            log,
		OnStatus: func(s client.State) {
			fmt.Fprintf(os.Stderr, "[%s]\n", s)
		},
		OnError: func(msg string) {
			fmt.Fprintf(os.Stderr, "[error] %s\n", msg)
		},
	})
	if err != nil {
		return err
	}
	if err := session.Start(ctx); err != nil {
		return err
	}
	defer session.Close()

	err = term.Edit(ctx, os.Stdin, session)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func langCommand() *cli.Command {
	return &cli.Command{
		Name:      "lang",
		Usage:     "print the editor language detected for a file",
		ArgsUsage: "FILE (- for stdin)",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return errors.New("expected exactly one FILE argument")
			}
			name := cmd.Args().First()

			var (
				data []byte
				err  error
			)
			if name == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(name)
			}
			if err != nil {
				return err
			}

			lang := langdetect.Detect(string(data))
			if lang == langdetect.Unknown {
				fmt.Println("unknown")
				return nil
			}
			fmt.Println(lang)
			return nil
		},
	}
}
