// Package main initializes and starts the CipherSync HTTPS sync server,
// setting up configuration, logging, database connections, repositories,
// services, handlers, and TLS.
package main

import (
	"cmp"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nethttp "net/http"

	"github.com/atinyakov/CipherSync/internal/certgen"
	"github.com/atinyakov/CipherSync/internal/config"
	"github.com/atinyakov/CipherSync/internal/db"
	"github.com/atinyakov/CipherSync/internal/logger"
	"github.com/atinyakov/CipherSync/internal/repository"
	"github.com/atinyakov/CipherSync/internal/server/handler/http"
	"github.com/atinyakov/CipherSync/internal/service"
	"go.uber.org/zap"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

func main() {
	options, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	log := logger.New()
	if options.LogFile != "" {
		err = log.InitWithRotation(options.LogLevel, logger.RotationConfig{File: options.LogFile})
	} else {
		err = log.Init(options.LogLevel)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to init logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Log.Sync() }()
	zapLogger := log.Log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	postgresDB, err := db.InitPostgres(options.DatabaseDSN)
	if err != nil {
		zapLogger.Fatal("cannot init database", zap.Error(err))
	}
	defer postgresDB.Close()

	db.StartChangeCompactor(ctx, postgresDB, options.CompactInterval, options.Retention, zapLogger)

	issuer, err := certgen.NewIssuer(options.CACert, options.CAKey)
	if err != nil {
		zapLogger.Fatal("failed to load CA", zap.Error(err))
	}

	authService := service.NewAuthService(repository.NewPostgresAuthRepository(postgresDB))
	changesService := service.NewChangesService(repository.NewPostgresChangesRepository(postgresDB))

	authHandler := &http.AuthHandler{AuthService: authService, Issuer: issuer, Logger: zapLogger}
	changesHandler := &http.ChangesHandler{ChangesService: changesService, Logger: zapLogger}
	router := http.NewRouter(authHandler, changesHandler, zapLogger)

	tlsConfig, err := serverTLS(options)
	if err != nil {
		zapLogger.Fatal("failed to configure TLS", zap.Error(err))
	}

	server := &nethttp.Server{
		Addr:              options.Port,
		Handler:           router,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zapLogger.Warn("shutdown", zap.Error(err))
		}
	}()

	zapLogger.Info("starting HTTPS server", zap.String("addr", options.Port))
	if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		zapLogger.Fatal("failed to start HTTPS server", zap.Error(err))
	}
	zapLogger.Info("server stopped")
}

// serverTLS verifies client certificates against the CA when one is
// presented. Registration is the only route served without one.
func serverTLS(options *config.Options) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(options.TLSCert, options.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key: %w", err)
	}
	caCert, err := os.ReadFile(options.CACert)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to append CA cert to pool")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.VerifyClientCertIfGiven,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
