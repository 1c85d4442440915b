// Command gateway runs the relay gateway process: it loads a config
// file (positional argument), wires swarm/pool/health/registry/mirror,
// and serves the HTTP+WS listener of spec.md §6 until an interrupt
// signal arrives. Flag and graceful-shutdown handling is adapted from
// relay/server/main.go's flag.Parse + signal.Notify pattern, ported to
// cobra since a real CLI stack is available in this corpus.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hypertuna/relay-gateway/internal/config"
	"github.com/hypertuna/relay-gateway/internal/gateway"
	"github.com/hypertuna/relay-gateway/internal/health"
	"github.com/hypertuna/relay-gateway/internal/logging"
	"github.com/hypertuna/relay-gateway/internal/pool"
	"github.com/hypertuna/relay-gateway/internal/registry"
	"github.com/hypertuna/relay-gateway/internal/statsmirror"
	"github.com/hypertuna/relay-gateway/internal/swarm"
)

var (
	genConfig  bool
	showConfig bool
)

func main() {
	root := &cobra.Command{
		Use:   "gateway [config-file]",
		Short: "Relay gateway: bridges HTTP/WS clients to a swarm of backend relay peers",
		Args:  cobra.MaximumNArgs(1),
		RunE:  run,
	}
	root.Flags().BoolVar(&genConfig, "gen-config", false, "write a default config file to the given path and exit")
	root.Flags().BoolVar(&showConfig, "show-config", false, "print the resolved config and exit")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	path := "./gateway.yaml"
	if len(args) == 1 {
		path = args[0]
	}

	if genConfig {
		if err := config.WriteFile(config.Default(), path); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		fmt.Printf("wrote default config to %s\n", path)
		return nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if showConfig {
		fmt.Printf("%+v\n", cfg)
		return nil
	}

	log, err := logging.New("gateway", logging.ParseLevel(cfg.Logging.Level), cfg.Logging.OutputFile)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Close()

	dialer, err := buildDialer(cfg)
	if err != nil {
		return fmt.Errorf("init swarm dialer: %w", err)
	}

	p := pool.New(dialer, log, cfg.Swarm.TopicSeed)
	defer p.Destroy()

	h := health.New(p, log)

	var reg gateway.Registry
	if cfg.Registry.DSN != "" {
		store, err := registry.Open(cfg.Registry.DSN)
		if err != nil {
			log.Warn("registry disabled: failed to connect", logging.Fields{"error": err.Error()})
		} else {
			defer store.Close()
			reg = store
		}
	}

	var mirror gateway.StatsMirror
	if cfg.StatsMirror.Addr != "" {
		m, err := statsmirror.New(statsmirror.Config{
			Addr:     cfg.StatsMirror.Addr,
			Password: cfg.StatsMirror.Password,
			DB:       cfg.StatsMirror.DB,
			Key:      cfg.StatsMirror.Key,
			Channel:  cfg.StatsMirror.Channel,
			TTL:      cfg.StatsMirror.TTL,
		})
		if err != nil {
			log.Warn("stats mirror disabled: failed to connect", logging.Fields{"error": err.Error()})
		} else {
			defer m.Close()
			mirror = m
		}
	}

	gw := gateway.New(cfg, log, p, h, mirror, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.RunMaintenance(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := gw.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	log.Info("gateway started", nil)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", logging.Fields{"signal": sig.String()})
	case err := <-errCh:
		log.Error("listener failed", logging.Fields{"error": err.Error()})
		return err
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown error", logging.Fields{"error": err.Error()})
	}

	log.Info("gateway stopped", nil)
	return nil
}

func buildDialer(cfg *config.Config) (swarm.Dialer, error) {
	switch cfg.Swarm.Mode {
	case "quic-direct":
		return swarm.NewQUICDialer(cfg.Swarm.DirectAddr, &tls.Config{InsecureSkipVerify: true}), nil
	default:
		// True hyperswarm/DHT discovery is out of scope (spec.md §1); the
		// null dialer requires streams to be registered out of band, which
		// is the right posture until a real swarm transport is supplied.
		return swarm.NewNullDialer(), nil
	}
}
