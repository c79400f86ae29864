package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/chatrelay/internal/config"
	"github.com/chatrelay/internal/gateway"
	"github.com/chatrelay/internal/logger"
	"github.com/chatrelay/internal/middleware"
	"github.com/chatrelay/internal/publisher"
	"github.com/chatrelay/internal/startup"
)

func main() {
	logger.SetPrefix("relay")
	logger.Info("starting relay service")
	cfg := config.Load("config/relay.yaml")

	adapter := startup.ConnectBackplaneWithRetry(cfg, 60*time.Second)
	defer adapter.Close()
	logger.Infof("backplane ready kind=%s", cfg.Backplane)

	pub := publisher.New(cfg.NSQ.Lookupds)
	if cfg.NSQ.Enabled {
		go func() {
			if err := pub.Run(); err != nil {
				// No live broker in the directory: supervision restarts us.
				logger.Errorf("publisher: %v", err)
				os.Exit(1)
			}
		}()
		go func() {
			for err := range pub.Errors() {
				logger.Errorf("publish failed: %v", err)
			}
		}()
	} else {
		logger.Info("persistence disabled, events are relayed only")
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := gateway.NewHub(adapter, pub, cfg.MaxWSConnections)

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	wsH := gateway.NewWSHandler(hub, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLog)
	r.Use(middleware.RecoverJSON)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{cfg.CORSAllowedOrigins},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitConnect)
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")

	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")

	pub.Stop()
	srvWg.Wait()
	logger.Info("server goroutine exited")
}
