package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jokeworks/deploytrust/pkg/providers/gcp"
	"github.com/jokeworks/deploytrust/pkg/reconcile"
	"github.com/jokeworks/deploytrust/pkg/trust"
)

var flagListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the token exchange endpoint",
	Long: `serve loads the document and exposes POST /v1/token: a CI job posts
its signed assertion and receives a short-lived credential scoped to the
intersection of its grant's roles and the target principal's bindings.
Issuer keys are discovered from each issuer's JWKS endpoint. The listener
must be fronted by TLS.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := reconcile.LoadDocument(flagFile)
		if err != nil {
			return err
		}

		pools, providers, grants, bindings := doc.TrustSnapshot()

		registry := trust.NewPoolRegistry()
		registry.Publish(pools, providers)
		store := trust.NewBindingStore()
		store.Publish(grants, bindings)

		validator := trust.NewAttributeValidator(trust.NewJWKSKeySource())

		clients, err := gcp.NewClients(cmd.Context())
		if err != nil {
			return err
		}
		issuer := gcp.NewIssuer(gcp.Config{
			ProjectID:     doc.Project.ID,
			ProjectNumber: doc.Project.Number,
		}, clients.STS)

		opts := []trust.ExchangerOption{trust.WithLogger(logger)}
		if doc.TokenTTL != 0 {
			opts = append(opts, trust.WithTTL(time.Duration(doc.TokenTTL)))
		}
		exchanger := trust.NewExchanger(registry, store, validator, issuer, opts...)

		srv := &http.Server{
			Addr:              flagListen,
			Handler:           trust.NewServer(exchanger, logger).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("exchange endpoint listening", "addr", flagListen)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-cmd.Context().Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", ":8080", "listen address")
}
