// edgemod is edge module daemon: broker session, methods,
// desired state convergence and batched telemetry.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	edge_config "github.com/temoto/edgemod/edge/config"
	"github.com/temoto/edgemod/log2"
)

func main() {
	flagConfig := flag.String("config", "edgemod.hcl", "")
	flagLogLevel := flag.String("log-level", "", "error|warning|info|debug|all, overrides config log_debug")
	flag.Parse()

	log := log2.NewStderr(log2.LInfo)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	} else {
		// assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	}

	config, err := edge_config.ReadFile(*flagConfig)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	level := log2.LInfo
	if config.LogDebug {
		level = log2.LDebug
	}
	if *flagLogLevel != "" {
		if level, err = log2.ParseLevel(*flagLogLevel); err != nil {
			log.Fatal(err)
		}
	}
	log.SetLevel(level)

	a, err := newApp(config, log, level)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	a.ready = func() { sdnotify(log, daemon.SdNotifyReady) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		log.Infof("signal=%v stopping", s)
		sdnotify(log, daemon.SdNotifyStopping)
		cancel()
	}()

	if err := a.run(ctx); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

func sdnotify(log *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Errorf("sdnotify err=%v", errors.ErrorStack(err))
	}
	return ok
}
