package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/careprep/careprep-go/api/apitest"
	"github.com/careprep/careprep-go/auth"
	"github.com/careprep/careprep-go/auth/authtest"
	"github.com/careprep/careprep-go/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newServeDevCmd(a *app) *cobra.Command {
	var (
		addr     string
		issuer   string
		audience string
		noAuth   string
	)
	cmd := &cobra.Command{
		Use:   "serve-dev",
		Short: "Run an in-memory backend for local development",
		Long: "Serve the CarePrep backend API from memory. Bearer tokens are\n" +
			"verified against --issuer through OIDC discovery, or every request\n" +
			"is attributed to --no-auth USER. Prometheus metrics are served on\n" +
			"/metrics.",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipSetup: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var authn auth.Authenticator
			switch {
			case noAuth != "":
				authn = authtest.NewNoAuth(noAuth)
			case issuer != "":
				p, err := auth.NewFromDiscovery(ctx, issuer, audience)
				if err != nil {
					return err
				}
				authn = p
			default:
				return errors.New("serve-dev needs --issuer or --no-auth")
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler(prometheus.DefaultGatherer))
			mux.Handle("/", apitest.New(authn, apitest.WithLogger(a.log), apitest.WithAuthorizationServer(issuer)))

			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe() }()
			a.log.Info("serve.start", slog.String("addr", addr))
			fmt.Fprintf(a.out, "Serving on http://%s\n", addr)

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdown)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&issuer, "issuer", "", "OIDC issuer whose access tokens are accepted")
	cmd.Flags().StringVar(&audience, "audience", "", "expected token audience")
	cmd.Flags().StringVar(&noAuth, "no-auth", "", "skip token checks and act as this user")
	return cmd
}
