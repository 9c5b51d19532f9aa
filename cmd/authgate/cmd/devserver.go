package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/authgate/devserver"
	"github.com/jmcleod/authgate/internal/util"
)

var (
	port       int
	tlsCert    string
	tlsKey     string
	rpID       string
	rpOrigins  []string
	accounts   []string
	mtlsUsers  []string
	noPassword []string
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Start the in-memory development authentication server",
	RunE: func(cmd *cobra.Command, args []string) error {
		origins := rpOrigins
		if len(origins) == 0 {
			origins = []string{fmt.Sprintf("https://%s:%d", rpID, port)}
		}
		s, err := devserver.New(devserver.WithRelyingParty(rpID, origins...))
		if err != nil {
			return err
		}

		for _, spec := range accounts {
			username, password, ok := strings.Cut(spec, ":")
			if !ok {
				return fmt.Errorf("invalid --account %q, want user:password", spec)
			}
			if err := s.AddAccount(username, password); err != nil {
				return err
			}
		}
		for _, username := range mtlsUsers {
			if err := s.EnrollMTLS(username); err != nil {
				return err
			}
		}
		for _, username := range noPassword {
			if err := s.DisablePassword(username); err != nil {
				return err
			}
		}

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/", s.Router())

		var tlsConfig *tls.Config
		if tlsCert != "" && tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		} else {
			cert, err := util.GenerateSelfSignedCert()
			if err != nil {
				return fmt.Errorf("failed to generate self-signed certificate: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			fmt.Println("Using self-signed runtime generated certificate for TLS")
		}
		// Certificates are requested but not verified at the transport
		// layer; enrollment is checked by the mTLS login handler.
		tlsConfig.ClientAuth = tls.RequestClientCert

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting development server on port %d...\n", port)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(devserverCmd)
	devserverCmd.Flags().IntVarP(&port, "port", "p", 8443, "Port to listen on")
	devserverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	devserverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	devserverCmd.Flags().StringVar(&rpID, "rp-id", "localhost", "WebAuthn relying party ID")
	devserverCmd.Flags().StringArrayVar(&rpOrigins, "origin", nil, "Accepted WebAuthn origin (repeatable)")
	devserverCmd.Flags().StringArrayVar(&accounts, "account", nil, "Seed account as user:password (repeatable)")
	devserverCmd.Flags().StringArrayVar(&mtlsUsers, "enroll-mtls", nil, "Enroll a seeded account for certificate login (repeatable)")
	devserverCmd.Flags().StringArrayVar(&noPassword, "disable-password", nil, "Disable password login for a seeded account (repeatable)")
}
