// Command ircskyd runs the ircsky bridge: it binds an IRC listener, starts
// the jetstream ingestor, and serves connections until interrupted.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	ircsky "github.com/goeo-/ircsky"
	"github.com/goeo-/ircsky/atp"
	"github.com/goeo-/ircsky/config"
	"github.com/goeo-/ircsky/registry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	debug := flag.Bool("debug", false, "log every line read from and written to each session")
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("loading config: %v", err)
	}

	directory := atp.NewClient(nil)
	reg := registry.New(directory)

	srv := ircsky.NewServer(reg, directory)
	srv.Logger = logger
	srv.Debug = *debug
	if cfg.Psky.General != "" {
		srv.GeneralChannel = cfg.Psky.General
	}
	if motd, ok := config.ResolveMotd(cfg.IRC.Motd); ok {
		srv.Motd = motd
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Println("shutting down...")
		cancel()
	}()

	ingestor := &ircsky.Ingestor{
		Host:     cfg.Jetstream.Host,
		Port:     cfg.Jetstream.Port,
		Registry: reg,
		Logger:   logger,
	}
	go func() {
		if err := ingestor.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("ingestor: %v", err)
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.IRC.Host, cfg.IRC.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatalf("listening on %s: %v", addr, err)
	}

	if cfg.IRC.TLS.Enabled {
		tlsConfig, err := ircsky.ListenTLS(cfg.IRC.TLS.Certs, cfg.IRC.TLS.Key)
		if err != nil {
			logger.Fatalf("configuring TLS: %v", err)
		}
		ln = tls.NewListener(ln, tlsConfig)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger.Printf("listening on %s", addr)
	if err := srv.Serve(ln); err != nil && ctx.Err() == nil {
		logger.Fatalf("serve: %v", err)
	}
}
