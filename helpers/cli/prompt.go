// Package cli runs interactive console or batch stdin commands.
package cli

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

type ExecFunc func(ctx context.Context, line string)

// MainLoop feeds lines to exec until stdin EOF or signal.
// Terminal gets go-prompt with completion, pipe input is read line by line.
// ctx passed to exec is cancelled on SIGINT/SIGTERM.
func MainLoop(ctx context.Context, prefix string, exec ExecFunc, complete prompt.Completer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(signalCh)
	go func() {
		select {
		case <-signalCh:
			cancel()
			os.Exit(1)
		case <-ctx.Done():
		}
	}()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		p := prompt.New(
			func(line string) { exec(ctx, strings.TrimSpace(line)) },
			complete,
			prompt.OptionPrefix(prefix),
			prompt.OptionTitle(strings.TrimSpace(prefix)),
		)
		p.Run()
		return nil
	}
	return ReadLines(ctx, os.Stdin, exec)
}

// ReadLines calls exec for each non-empty trimmed line of r.
func ReadLines(ctx context.Context, r io.Reader, exec ExecFunc) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		exec(ctx, line)
	}
	return scanner.Err()
}
