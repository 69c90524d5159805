package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/hossein/mpflow/internal/proxy"
	"github.com/hossein/mpflow/pkg/config"
	"github.com/hossein/mpflow/pkg/logging"
	"github.com/hossein/mpflow/pkg/mpflow"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	listen := flag.String("listen", "", "mpflow listen address (overrides config)")
	logLevel := flag.String("log-level", "", "debug, info, warn or error (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("server: loading config failed", "err", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	transport, err := cfg.Transport()
	if err != nil {
		slog.Error("server: invalid transport config", "err", err)
		os.Exit(1)
	}

	ln, err := mpflow.Listen(cfg.Listen, transport)
	if err != nil {
		slog.Error("server: listen failed", "addr", cfg.Listen, "err", err)
		os.Exit(1)
	}
	slog.Info("server: mpflow listening",
		"addr", ln.Addr(),
		"scheduler", cfg.Scheduler,
		"ecn", cfg.ECN,
	)

	for {
		conn, err := ln.Accept()
		if err != nil {
			slog.Error("server: accept failed", "err", err)
			return
		}
		go handleConn(conn)
	}
}

func handleConn(conn *mpflow.MultipathConn) {
	defer conn.Close()

	target, err := proxy.ReadDest(conn)
	if err != nil {
		slog.Warn("server: reading destination frame failed", "err", err)
		return
	}

	remote, err := net.Dial("tcp", target)
	if err != nil {
		slog.Warn("server: dialing destination failed", "target", target, "err", err)
		return
	}
	defer remote.Close()

	slog.Info("server: bridging", "target", target, "subflows", len(conn.Subflows))
	st, err := proxy.Bridge(conn, remote)
	if err != nil {
		slog.Debug("server: bridge ended with error", "target", target, "err", err)
	}

	attrs := []any{"target", target, "toTarget", st.AToB, "fromTarget", st.BToA}
	for _, sf := range conn.Subflows {
		stats := sf.Stats()
		attrs = append(attrs,
			slog.Group(fmt.Sprintf("sf%d", sf.Index),
				"dataPackets", stats.DataPackets,
				"ackPackets", stats.AckPackets,
				"cwnd", sf.Cwnd(),
				"rtt", sf.RTT(),
			),
		)
	}
	slog.Info("server: connection finished", attrs...)
}
