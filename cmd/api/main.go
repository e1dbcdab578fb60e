package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cognitive-theater/backend/internal/config"
	"github.com/cognitive-theater/backend/internal/handler"
	sessionModel "github.com/cognitive-theater/backend/internal/model/session"
	"github.com/cognitive-theater/backend/internal/prompt"
	"github.com/cognitive-theater/backend/internal/service/agent"
	"github.com/cognitive-theater/backend/internal/service/theater"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if !cfg.AI.Enabled() {
		log.Fatal("model credentials missing: set ARK_API_KEY (or ARK_ACCESS_KEY/ARK_SECRET_KEY) and MODEL")
	}

	prompts, err := prompt.Load(cfg.Theater.PromptsDir, cfg.Theater.PeerOrder)
	if err != nil {
		log.Fatalf("failed to load prompt templates: %v", err)
	}

	chatModel, err := cfg.AI.NewChatModel(ctx)
	if err != nil {
		log.Fatalf("failed to create chat model: %v", err)
	}

	registry, err := agent.NewRegistry(ctx, prompts, chatModel, agent.Config{
		PeerNames: cfg.Theater.PeerOrder,
		Streaming: cfg.AI.StreamResponse,
	})
	if err != nil {
		log.Fatalf("failed to build agent registry: %v", err)
	}

	store, err := sessionModel.NewStore(cfg.Theater.SessionsDir)
	if err != nil {
		log.Fatalf("failed to open session store: %v", err)
	}

	manager := theater.NewManager(registry, store, theater.Config{
		PeerOrder:            cfg.Theater.PeerOrder,
		InterjectProbability: cfg.Theater.InterjectProbability,
	})

	router := handler.NewRouter(manager)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Cognitive Theater backend listening on %s", serverCfg.Addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
