// edgemod-cli is interactive module console: send telemetry,
// call methods, inspect and update twin state.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/juju/errors"
	edge_api "github.com/temoto/edgemod/edge"
	edge_config "github.com/temoto/edgemod/edge/config"
	"github.com/temoto/edgemod/edge/transport"
	"github.com/temoto/edgemod/helpers/cli"
	"github.com/temoto/edgemod/internal/edge"
	"github.com/temoto/edgemod/log2"
)

var log = log2.NewStderr(log2.LInfo)

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := cmdline.String("config", "", "edgemod.hcl, flags below override its values")
	broker := cmdline.String("broker", "tcp://127.0.0.1:1883", "")
	deviceID := cmdline.String("device", "", "")
	moduleID := cmdline.String("module", "cli", "")
	_ = cmdline.Parse(os.Args[1:])

	log.SetFlags(log2.LInteractiveFlags)

	config := &edge_config.Config{MqttBroker: *broker, ResponseSuffix: edge_config.DefaultResponseSuffix}
	if *configPath != "" {
		var err error
		if config, err = edge_config.ReadFile(*configPath); err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
	}
	cmdline.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "broker":
			config.MqttBroker = *broker
		case "device":
			config.DeviceID = *deviceID
		}
	})
	config.ModuleID = *moduleID
	config.Enabled = true
	if err := config.Validate(); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	clientLog := log.Clone(log2.LError)
	session, err := transport.NewSession(transport.Options{
		Broker:         config.MqttBroker,
		ClientID:       config.ClientID(),
		Username:       config.MqttUsername,
		Password:       config.MqttPassword,
		KeepAlive:      config.KeepAlive(),
		NetworkTimeout: config.NetworkTimeout(),
		ReconnectDelay: config.ReconnectDelay(),
		Log:            clientLog,
	})
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	client, err := edge.NewClient(edge.Options{
		DeviceID:       config.DeviceID,
		ModuleID:       config.ModuleID,
		Session:        session,
		ResponseSuffix: config.ResponseSuffix,
		CallTimeout:    config.CallTimeout(),
		HandlerTimeout: config.HandlerTimeout(),
		GateTimeout:    config.GateTimeout(),
		Log:            clientLog,
	})
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	client.SetConnectionStatusChangesHandler(func(s edge_api.ConnectionStatus, r edge_api.ConnectionReason) {
		log.Infof("connection status=%s reason=%s", s, r)
	})

	ctx := context.Background()
	if err := client.Open(ctx); err != nil && !transport.IsConnectError(err) {
		log.Fatal(errors.ErrorStack(err))
	}
	defer client.Close()

	c := &console{
		client:   client,
		deviceID: config.DeviceID,
		out:      log,
		debug: func(on bool) {
			if on {
				clientLog.SetLevel(log2.LDebug)
			} else {
				clientLog.SetLevel(log2.LError)
			}
		},
	}
	prefix := "edgemod " + config.ClientID() + "> "
	if err := cli.MainLoop(ctx, prefix, c.exec, newCompleter()); err != nil {
		log.Error(errors.ErrorStack(err))
	}
}
