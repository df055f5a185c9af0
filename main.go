package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/bookdex/bookdex/internal"

	_ "github.com/KimMachineGun/automemlimit"
)

type cli struct {
	Serve serveCmd `cmd:"" default:"1" help:"Run the API server."`

	LogLevel string `enum:"debug,info,warn,error" default:"info" env:"LOG_LEVEL" help:"Log level."`
}

type serveCmd struct {
	Port int    `default:"8788" env:"PORT" help:"Port to listen on."`
	DSN  string `env:"DATABASE_URL" help:"Postgres connection string. Empty runs in-memory."`

	Bucket         string `env:"COLD_BUCKET" help:"GCS bucket for the cold cache tier and large job results."`
	ResultsBaseURL string `env:"RESULTS_BASE_URL" help:"Public URL prefix for uploaded job results."`
	SecretsDir     string `env:"SECRETS_DIR" help:"Directory of mounted secret files, consulted before the environment."`

	AIBaseURL string `default:"https://api.openai.com/v1" env:"AI_BASE_URL" help:"OpenAI-compatible endpoint for vision and CSV parsing."`
	AIModel   string `default:"gpt-4o-mini" env:"AI_MODEL" help:"Model used for shelf scans and CSV parsing."`

	EdgeTTLS        int `default:"300" env:"EDGE_TTL_S" help:"Edge tier TTL cap in seconds."`
	RateLimitMax    int `default:"10" env:"RATE_LIMIT_MAX" help:"Requests allowed per client per window."`
	RateLimitWindow int `default:"60" env:"RATE_LIMIT_WINDOW_S" help:"Rate limit window in seconds."`

	JobPersistN       int                `default:"20" env:"JOB_PERSIST_N" help:"Progress updates coalesced per durable write."`
	JobPersistT       int                `default:"30" env:"JOB_PERSIST_T" help:"Max seconds between durable job writes."`
	JobCleanupHours   int                `default:"24" env:"JOB_CLEANUP_HOURS" help:"Hours before terminal job state is deleted."`
	TokenTTLS         int                `default:"7200" env:"TOKEN_TTL_S" help:"Job auth token lifetime in seconds."`
	MaxUpstreamCalls  int                `default:"50" env:"MAX_UPSTREAM_CALLS_PER_REQUEST" help:"Upstream call budget per request."`
	AnalyticsSampling map[string]float64 `env:"ANALYTICS_SAMPLING" help:"Per-endpoint analytics sampling rates."`
}

func main() {
	k := kong.Parse(&cli{}, kong.UsageOnError())
	if err := k.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (c *cli) AfterApply() error {
	internal.SetLogLevel(c.LogLevel)
	return nil
}

func (s *serveCmd) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := internal.NewMetrics()

	mux, shutdown, err := internal.NewServer(ctx, internal.ServerConfig{
		DSN:              s.DSN,
		Bucket:           s.Bucket,
		ResultsBaseURL:   s.ResultsBaseURL,
		SecretsDir:       s.SecretsDir,
		AIBaseURL:        s.AIBaseURL,
		AIModel:          s.AIModel,
		EdgeTTL:          time.Duration(s.EdgeTTLS) * time.Second,
		RateLimitMax:     s.RateLimitMax,
		RateLimitWindow:  time.Duration(s.RateLimitWindow) * time.Second,
		PersistEvery:     s.JobPersistN,
		PersistAfter:     time.Duration(s.JobPersistT) * time.Second,
		TokenTTL:         time.Duration(s.TokenTTLS) * time.Second,
		CleanupAfter:     time.Duration(s.JobCleanupHours) * time.Hour,
		MaxUpstreamCalls: int64(s.MaxUpstreamCalls),
		Sampling:         s.AnalyticsSampling,
	}, reg)
	if err != nil {
		return err
	}
	defer shutdown()

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", s.Port),
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: WebSocket connections outlive any sane value.
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	internal.Log(ctx).Info("listening", "addr", server.Addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
