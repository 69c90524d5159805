package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/armon/go-socks5"

	"github.com/hossein/mpflow/internal/proxy"
	"github.com/hossein/mpflow/pkg/config"
	"github.com/hossein/mpflow/pkg/logging"
	"github.com/hossein/mpflow/pkg/mpflow"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	server := flag.String("server", "", "mpflow server host:port (overrides config)")
	socksAddr := flag.String("socks", "", "Local SOCKS5 listen address (overrides config)")
	ifaces := flag.String("ifaces", "", "Comma-separated interface names, e.g. eth0,wlan0 (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("client: loading config failed", "err", err)
		os.Exit(1)
	}
	if *server != "" {
		cfg.Server = *server
	}
	if *socksAddr != "" {
		cfg.Socks = *socksAddr
	}
	if *ifaces != "" {
		cfg.Interfaces = strings.Split(*ifaces, ",")
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	if cfg.Server == "" {
		slog.Error("client: a server address is required (-server or config)")
		os.Exit(1)
	}

	slog.Info("client: starting",
		"server", cfg.Server,
		"socks", cfg.Socks,
		"ifaces", cfg.Interfaces,
		"numSubflows", cfg.NumSubflows(),
		"scheduler", cfg.Scheduler,
	)

	// Pre-resolve interface addresses so problems are visible at startup.
	for i, name := range cfg.Interfaces {
		addr, err := interfaceLocalAddr(strings.TrimSpace(name))
		if err != nil {
			slog.Warn("client: interface address lookup failed (OS will choose source)",
				"iface", name,
				"idx", i,
				"err", err,
			)
		} else {
			slog.Info("client: interface resolved", "iface", name, "idx", i, "localAddr", addr)
		}
	}

	srv, err := socks5.New(&socks5.Config{
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialMultipath(ctx, cfg, addr)
		},
	})
	if err != nil {
		slog.Error("client: socks5.New failed", "err", err)
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", cfg.Socks)
	if err != nil {
		slog.Error("client: failed to listen for SOCKS5", "addr", cfg.Socks, "err", err)
		os.Exit(1)
	}
	slog.Info("client: SOCKS5 proxy ready", "socks", cfg.Socks, "server", cfg.Server)

	if err := srv.Serve(ln); err != nil {
		slog.Error("client: SOCKS5 server error", "err", err)
		os.Exit(1)
	}
}

// dialMultipath opens a MultipathConn to the server, writes the destination
// frame for target ("host:port"), and returns the connection so go-socks5
// can bridge it.
func dialMultipath(ctx context.Context, cfg *config.Config, target string) (net.Conn, error) {
	numSubflows := cfg.NumSubflows()
	slog.Info("dialMultipath: new SOCKS5 CONNECT",
		"target", target,
		"server", cfg.Server,
		"numSubflows", numSubflows,
	)

	localAddrs := make([]string, len(cfg.Interfaces))
	for i, name := range cfg.Interfaces {
		addr, err := interfaceLocalAddr(strings.TrimSpace(name))
		if err != nil {
			slog.Warn("dialMultipath: interface lookup failed, OS will choose source",
				"iface", name,
				"idx", i,
				"err", err,
			)
			continue
		}
		localAddrs[i] = addr
		slog.Debug("dialMultipath: subflow local address",
			"idx", i,
			"iface", name,
			"localAddr", addr,
		)
	}

	// each connection gets its own scheduler state
	transport, err := cfg.Transport()
	if err != nil {
		return nil, err
	}

	mc, err := mpflow.Dial(ctx, cfg.Server, numSubflows, localAddrs, transport)
	if err != nil {
		slog.Error("dialMultipath: dial failed", "server", cfg.Server, "target", target, "err", err)
		return nil, fmt.Errorf("mpflow dial: %w", err)
	}
	slog.Info("dialMultipath: MultipathConn established",
		"target", target,
		"local", mc.LocalAddr(),
		"remote", mc.RemoteAddr(),
	)

	if err := proxy.WriteDest(mc, target); err != nil {
		_ = mc.Close()
		slog.Error("dialMultipath: writing destination frame failed", "target", target, "err", err)
		return nil, err
	}

	slog.Debug("dialMultipath: ready, handing off to SOCKS5 bridge", "target", target)
	return mc, nil
}

// interfaceLocalAddr returns the first IPv4 address of the named interface
// in "ip:0" form suitable as a local dial address.
func interfaceLocalAddr(name string) (string, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return "", fmt.Errorf("interface %q not found: %w", name, err)
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return "", fmt.Errorf("listing addrs for %q: %w", name, err)
	}

	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}

		if ip4 := ip.To4(); ip4 != nil {
			return ip4.String() + ":0", nil
		}
	}

	return "", fmt.Errorf("no IPv4 address on interface %q", name)
}
