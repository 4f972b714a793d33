// Command rudp-echo is a minimal two-role demo of the rudp package: run it
// once with -listen to act as the server, and once with -connect to act as
// a client that sends one reliable-ordered payload once connected. The
// server logs each payload and sends it back over every link it has; the
// client logs whatever comes back.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/zerodelay-net/rudp/pkg/rudpconfig"
	"github.com/zerodelay-net/rudp/pkg/rudplog"
	"github.com/zerodelay-net/rudp/rudp"
	"go.uber.org/zap"
)

const echoPackId = rudp.UserOffset

func main() {
	var (
		configPath = flag.String("config", "", "path to a rudpconfig YAML file (optional)")
		listenAddr = flag.String("listen", "", "port to listen on, e.g. 27001")
		connectTo  = flag.String("connect", "", "host:port to connect to")
		password   = flag.String("password", "", "shared password")
		message    = flag.String("message", "hello from rudp-echo", "payload to send once connected")
	)
	flag.Parse()

	cfg := rudpconfig.Default()
	if *configPath != "" {
		loaded, err := rudpconfig.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}

	node := rudp.New(cfg.ResendIntervalMs, cfg.KeepAliveIntervalSec)
	defer node.Close()

	connected := false
	node.OnConnectResult(func(endpoint string, result rudp.ConnectResult) {
		rudplog.Info("connect result", zap.String("endpoint", endpoint), zap.String("result", fmt.Sprint(result)))
		connected = result == rudp.ResultSucces
	})
	node.OnNewConnection(func(endpoint string, metadata []byte) {
		rudplog.Info("new connection", zap.String("endpoint", endpoint))
	})
	node.OnDisconnect(func(endpoint string, reason rudp.DisconnectReason) {
		rudplog.Info("disconnected", zap.String("endpoint", endpoint), zap.String("reason", fmt.Sprint(reason)))
	})
	node.OnCustomData(func(endpoint string, packId uint8, payload []byte, channel rudp.Channel) {
		rudplog.Info("echo received", zap.String("endpoint", endpoint), zap.String("payload", string(payload)))
		if *listenAddr != "" {
			node.SendReliableOrdered(echoPackId, payload, nil, false, channel, false)
		}
	})

	switch {
	case *listenAddr != "":
		port := cfg.ListenPort
		fmt.Sscanf(*listenAddr, "%d", &port)
		if err := node.Listen(port, *password, cfg.MaxConnections); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		rudplog.Info("listening", zap.Int("port", port))
		runUpdateLoop(node, nil)

	case *connectTo != "":
		if err := node.Connect(*connectTo, *password, cfg.ConnectTimeoutSec, nil); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		sent := false
		runUpdateLoop(node, func() {
			if connected && !sent {
				node.SendReliableOrdered(echoPackId, []byte(*message), nil, false, 0, false)
				sent = true
			}
		})

	default:
		fmt.Fprintln(os.Stderr, "usage: rudp-echo -listen PORT | -connect HOST:PORT [-password PW]")
		os.Exit(2)
	}
}

func runUpdateLoop(node *rudp.Node, onTick func()) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		node.Update()
		if onTick != nil {
			onTick()
		}
	}
}
