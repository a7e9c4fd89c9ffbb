package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gihan9a/collabsync/internal/auth"
	"gihan9a/collabsync/internal/config"
	"gihan9a/collabsync/internal/server"
	"gihan9a/collabsync/internal/storage"
	"gihan9a/collabsync/internal/tls"
)

func main() {
	// Parse command line flags and get configuration
	cfg, err := config.ParseFlags()
	if err != nil {
		log.Fatalf("Error parsing configuration: %v", err)
	}

	// Set up the TLS certificate if needed
	if cfg.TLS.Enabled && cfg.TLS.GenerateCert {
		if err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile); err != nil {
			log.Fatalf("Failed to set up TLS certificate: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open %s storage: %v", cfg.Storage.Backend, err)
	}
	defer store.Close()

	authorizer := auth.New(cfg.Auth.JWTSecret)
	if authorizer == nil {
		log.Printf("Warning: no JWT secret configured, every connection is accepted")
	}

	collabServer, err := server.NewServer(cfg, store, authorizer)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	defer collabServer.Close()

	if cfg.Discovery.Enabled {
		shutdown, err := server.Advertise(cfg)
		if err != nil {
			log.Printf("Warning: %v", err)
		} else {
			defer shutdown()
		}
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{Addr: addr, Handler: collabServer.SetupRoutes()}

	go func() {
		<-ctx.Done()
		log.Printf("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("Using %s storage", cfg.Storage.Backend)
	if cfg.TLS.Enabled {
		tlsConfig, err := tls.ServerConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			log.Fatalf("Failed to set up TLS: %v", err)
		}
		httpServer.TLSConfig = tlsConfig
		log.Printf("Collaboration server running at https://localhost%s", addr)
		log.Printf("Using TLS certificate: %s", cfg.TLS.CertFile)
		err = httpServer.ListenAndServeTLS("", "")
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server error: %v", err)
		}
	} else {
		log.Printf("Collaboration server running at http://localhost%s", addr)
		err = httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server error: %v", err)
		}
	}
}
