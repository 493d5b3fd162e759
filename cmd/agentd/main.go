package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flitsinc/agenthub/internal/api"
	"github.com/flitsinc/agenthub/internal/config"
	"github.com/flitsinc/agenthub/internal/engine"
	"github.com/flitsinc/agenthub/internal/eventbus"
	"github.com/flitsinc/agenthub/internal/history"
	"github.com/flitsinc/agenthub/internal/state"
)

func main() {
	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := state.NewStore(db)
	bus := eventbus.NewBus(eventbus.Config{MaxHistorySize: cfg.MaxHistorySize})
	bus.Start()
	defer bus.Stop()

	chat := history.NewManager(history.DefaultConfig())

	// The model provider is wired by the embedding application; agentd on
	// its own exposes the coordination surface and runs without one.
	agent, err := engine.New(bus, chat, nil, engine.Config{
		Mode:           engine.Mode(cfg.ExecutionMode),
		MaxSteps:       cfg.MaxSteps,
		RequestTimeout: cfg.RequestTimeout,
	})
	if err != nil {
		log.Fatalf("agent: %v", err)
	}
	log.Printf("agent ready in %s mode (no provider configured)", agent.Mode())

	apiServer := &api.Server{Bus: bus, Agent: agent, History: chat, Store: store}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer.Handler())

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	serverCtx, serverCancel := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.Printf("agentd listening on %s", listener.Addr())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	_ = httpServer.Close()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
