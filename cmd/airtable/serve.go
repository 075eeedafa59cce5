package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/airtable-client/pkg/client"
	"github.com/Sternrassler/airtable-client/pkg/credential"
	"github.com/Sternrassler/airtable-client/pkg/metrics"
	"github.com/Sternrassler/airtable-client/pkg/query"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// queryTimeout bounds one proxied query including all page waits.
const queryTimeout = 5 * time.Minute

var errMissingBearer = errors.New("missing bearer token")

func newServeCmd(a *app) *cobra.Command {
	var (
		port     string
		allowEnv bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP query server",
		Long: `Serves GET /v0/{base}/{table}, returning every matching record in one
response, plus /health, /ready and /metrics.

Callers authenticate with their own "Authorization: Bearer" header. The
server's AIRTABLE_KEY is only used for header-less requests when
--allow-env-credential is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port == "" {
				port = a.cfg.Server.Port
			}
			var rdb redis.Cmdable
			if a.redis != nil {
				rdb = a.redis
			}
			return serve(commandContext(cmd), ":"+port, newServeMux(a.client, rdb, allowEnv, a.logger), a.logger)
		},
	}

	cmd.Flags().StringVar(&port, "port", "", "listen port (default from config or PORT, 8080)")
	cmd.Flags().BoolVar(&allowEnv, "allow-env-credential", false, "serve requests without an Authorization header using the server's token")
	return cmd
}

func serve(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Starting Airtable query server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newServeMux(c *client.Client, rdb redis.Cmdable, allowEnv bool, logger zerolog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", readyHandler(rdb))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /v0/{base}/{table}", queryHandler(c, allowEnv, logger))
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// readyHandler checks Redis when penalty tracking is enabled.
func readyHandler(rdb redis.Cmdable) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rdb != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := rdb.Ping(ctx).Err(); err != nil {
				http.Error(w, "redis unavailable: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	}
}

// queryHandler proxies a paginated query. Without a bearer token the request
// is refused unless allowEnv lets the client fall back to its environment.
func queryHandler(c *client.Client, allowEnv bool, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		baseID := r.PathValue("base")
		table := r.PathValue("table")

		params, err := query.Parse(r.URL.RawQuery)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		var cred credential.Credential
		if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
			if cred, err = credential.New(token); err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}
		} else if !allowEnv {
			writeError(w, http.StatusUnauthorized, errMissingBearer)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
		defer cancel()

		records, err := c.Query(ctx, cred, baseID, table, params)
		if err != nil {
			status := statusFor(err)
			var reqErr *client.RequestError
			if errors.As(err, &reqErr) && reqErr.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(reqErr.RetryAfter.Round(time.Second)/time.Second)))
			}
			logger.Warn().
				Err(err).
				Str("base", baseID).
				Str("table", table).
				Int("status", status).
				Msg("Proxied query failed")
			writeError(w, status, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"records": records})
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// statusFor maps a query error to the status returned to the caller.
func statusFor(err error) int {
	switch {
	case errors.Is(err, client.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, client.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}

	switch client.ClassOf(err) {
	case client.ErrorClassRateLimit:
		return http.StatusTooManyRequests
	case client.ErrorClassClient:
		var reqErr *client.RequestError
		if errors.As(err, &reqErr) && reqErr.StatusCode != 0 {
			return reqErr.StatusCode
		}
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"type":    http.StatusText(status),
			"message": err.Error(),
		},
	})
}
