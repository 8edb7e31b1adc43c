// Copyright 2025 Skylane, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command gantry runs the request routing core as a standalone HTTP
// service: chat-completion calls go in on the API port, provider calls go
// out through the credential pool, the connection pool and the failover
// controller.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	gantry "github.com/skylane/gantry"
	"github.com/skylane/gantry/lib/config"
	"github.com/skylane/gantry/lib/defaults"
	"github.com/skylane/gantry/lib/failover"
	"github.com/skylane/gantry/lib/sequential"
	"github.com/skylane/gantry/lib/service"
	"github.com/skylane/gantry/lib/types"
	"github.com/skylane/gantry/lib/upstream"
)

func main() {
	app := kingpin.New("gantry", "LLM request routing and resilience service.")
	app.Version(gantry.Version)

	start := app.Command("start", "Start the gantry service.").Default()
	configPath := start.Flag("config", "Path to the YAML configuration file.").Short('c').String()
	apiAddr := start.Flag("addr", "API listen address.").Default("127.0.0.1:3020").String()
	version := app.Command("version", "Print the version and exit.")

	command := kingpin.MustParse(app.Parse(os.Args[1:]))
	switch command {
	case start.FullCommand():
		if err := run(*configPath, *apiAddr); err != nil {
			fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
			os.Exit(1)
		}
	case version.FullCommand():
		fmt.Println(gantry.Version)
	}
}

func run(configPath, apiAddr string) error {
	cfg := &config.Config{}
	if configPath != "" {
		var err error
		cfg, err = config.ReadFromFile(configPath)
		if err != nil {
			return trace.Wrap(err)
		}
	}

	executor, err := upstream.NewExecutor(upstream.Config{
		Timeout: defaults.RequestTimeout,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	svcCfg := service.Config{
		FileConfig: cfg,
		Executor:   executor,
		Dial:       dialProvider,
	}
	if cfg.Health.ProbeEndpoint != "" {
		svcCfg.Probe = executor.Probe(cfg.Health.ProbeEndpoint, cfg.Health.Timeout.Value())
	}
	svc, err := service.New(svcCfg)
	if err != nil {
		return trace.Wrap(err)
	}
	defer svc.Close()

	logger := slog.With(gantry.ComponentKey, gantry.ComponentService)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return svc.Run(ctx)
	})
	group.Go(func() error {
		return serveAPI(ctx, logger, apiAddr, svc)
	})
	if cfg.MetricsAddr != "" {
		group.Go(func() error {
			return serveMetrics(ctx, logger, cfg.MetricsAddr, svc)
		})
	}

	logger.Info("Gantry is starting.", "version", gantry.Version, "api_addr", apiAddr)
	return trace.Wrap(group.Wait())
}

// dialProvider gives every pooled connection its own HTTP client so the
// pool's lifecycle decisions map onto real sockets.
func dialProvider(provider string) (any, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   defaults.ConnectTimeout,
			KeepAlive: defaults.ConnKeepAlive,
		}).DialContext,
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     defaults.ConnIdleTimeout,
	}
	return &http.Client{Transport: transport, Timeout: defaults.RequestTimeout}, nil
}

func serveAPI(ctx context.Context, logger *slog.Logger, addr string, svc *service.Service) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", handleCompletion(svc))
	mux.HandleFunc("GET /healthz", handleHealth(svc))
	mux.HandleFunc("POST /v1/admin/cache/invalidate", handleInvalidate(svc))
	mux.HandleFunc("POST /v1/admin/sequential", handleSequential(svc))
	return serve(ctx, logger, "api", addr, mux)
}

func serveMetrics(ctx context.Context, logger *slog.Logger, addr string, svc *service.Service) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", handleHealth(svc))
	return serve(ctx, logger, "metrics", addr, mux)
}

func serve(ctx context.Context, logger *slog.Logger, name, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return trace.Wrap(err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down listener.", "listener", name)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return trace.Wrap(err)
	}
	return nil
}

func handleCompletion(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		resp, decision, err := svc.Handle(r.Context(), &req, clientInfo(r))
		for k, v := range decision.Headers(time.Now()) {
			w.Header().Set(k, v)
		}
		if err != nil {
			writeError(w, statusFor(err), trace.UserMessage(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Gantry-Target", resp.TargetUsed)
		w.Header().Set("X-Gantry-Cache", string(resp.Cached))
		w.Header().Set("X-Gantry-Attempts", strconv.Itoa(resp.Attempts))
		json.NewEncoder(w).Encode(resp)
	}
}

func handleHealth(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := svc.Health()
		w.Header().Set("Content-Type", "application/json")
		if !report.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(report)
	}
}

func handleInvalidate(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pattern := r.URL.Query().Get("pattern")
		if pattern == "" {
			pattern = ".*"
		}
		n, err := svc.InvalidateCache(r.Context(), pattern)
		if err != nil {
			writeError(w, statusFor(err), trace.UserMessage(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"invalidated": n})
	}
}

func handleSequential(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "enabled must be true or false")
			return
		}
		svc.SetSequential(enabled)
		w.WriteHeader(http.StatusNoContent)
	}
}

// clientInfo derives rate-limit identities from the request. The user
// identity comes from the caller-supplied header; deployments fronted by
// an authenticating proxy overwrite it there.
func clientInfo(r *http.Request) service.ClientInfo {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	return service.ClientInfo{
		User:     r.Header.Get("X-Gantry-User"),
		IP:       ip,
		Endpoint: r.URL.Path,
	}
}

func statusFor(err error) int {
	var exhaustion *failover.ExhaustionError
	switch {
	case trace.IsLimitExceeded(err), errors.Is(err, sequential.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, sequential.ErrQueueTimeout):
		return http.StatusGatewayTimeout
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &exhaustion):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
