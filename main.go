package main

import (
	"context"
	"encoding/json"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/username/clearledger/src/config"
	"github.com/username/clearledger/src/database"
	"github.com/username/clearledger/src/dedup"
	"github.com/username/clearledger/src/extraction"
	"github.com/username/clearledger/src/handlers"
	"github.com/username/clearledger/src/jobs"
	"github.com/username/clearledger/src/logger"
	"github.com/username/clearledger/src/reconcile"
	"github.com/username/clearledger/src/services"
	"golang.org/x/time/rate"
)

var limiter = rate.NewLimiter(rate.Every(100*time.Millisecond), 30)

func rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			logger.L.Warn("Rate limit exceeded",
				"method", r.Method,
				"path", r.URL.Path,
				"remoteAddr", r.RemoteAddr)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigins := map[string]bool{
			"http://localhost:3000": true,
		}

		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE, PATCH")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Requested-With, X-Account-ID, If-None-Match")
			w.Header().Set("Access-Control-Expose-Headers", "ETag")
		} else if origin == "" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		if r.Method == "OPTIONS" {
			logger.L.Debug("Handling OPTIONS preflight request", "path", r.URL.Path, "origin", origin)
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	config.LoadConfig()
	logger.InitLogger(config.Cfg.LogLevel)
	logger.L.Info("Clearledger backend server starting...")

	logger.L.Info("Initializing database...", "path", config.Cfg.DatabasePath)
	database.InitDB(config.Cfg.DatabasePath)
	logger.L.Info("Database initialized successfully.")

	appCache := cache.New(services.DefaultCacheExpiration, services.CacheCleanupInterval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.L.Info("Initializing extraction providers...")
	genaiClient, err := extraction.NewGeminiClient(ctx)
	if err != nil {
		logger.L.Error("Failed to create GenAI client", "error", err)
		stdlog.Fatalf("Failed to create GenAI client: %v", err)
	}
	textProvider := extraction.NewTextModelProvider(genaiClient, config.Cfg.TextModelName, config.Cfg.ExtractionTimeout)
	visionProvider := extraction.NewVisionModelProvider(genaiClient, config.Cfg.VisionModelName, config.Cfg.VisionFallbackModelName, config.Cfg.VisionTimeout)

	engine := extraction.NewEngine(textProvider, visionProvider, extraction.Options{
		Tolerance:   decimal.New(config.Cfg.BalanceToleranceCents, -2),
		MaxAttempts: config.Cfg.ExtractionMaxAttempts,
		BackoffBase: config.Cfg.ExtractionBackoffBase,
		PageWorkers: config.Cfg.PageWorkers,
	})

	logger.L.Info("Initializing services and handlers...")
	classifier := dedup.NewClassifier(config.Cfg.FuzzySimilarityThreshold)
	matcher := reconcile.NewMatcher(config.Cfg.AutoMatchThreshold)
	queue := jobs.NewQueue(config.Cfg.JobWorkers, 64)

	importService := services.NewImportService(engine, classifier, queue, appCache)
	reconciliationService := services.NewReconciliationService(matcher)
	syncService := services.NewSyncService(importService, reconciliationService)
	duplicateService := services.NewDuplicateReviewService()

	if err := queue.Start(ctx, importService.ProcessJob); err != nil {
		logger.L.Error("Failed to start job queue", "error", err)
		stdlog.Fatalf("Failed to start job queue: %v", err)
	}
	if err := importService.ResumeInterruptedJobs(ctx); err != nil {
		logger.L.Error("Failed to resume interrupted jobs", "error", err)
	}

	importHandler := handlers.NewImportHandler(importService)
	txHandler := handlers.NewTransactionHandler(reconciliationService, duplicateService)
	reconciliationHandler := handlers.NewReconciliationHandler(reconciliationService)
	syncHandler := handlers.NewSyncHandler(syncService)

	logger.L.Info("Configuring routes...")
	rootMux := http.NewServeMux()
	apiRouter := http.NewServeMux()

	withAccount := func(handler http.HandlerFunc) http.Handler {
		return handlers.AccountMiddleware(handler)
	}

	apiRouter.Handle("POST /api/imports", withAccount(importHandler.HandleUpload))
	apiRouter.Handle("GET /api/imports/{id}", withAccount(importHandler.HandleGetJobStatus))
	apiRouter.Handle("POST /api/imports/{id}/review", withAccount(importHandler.HandleReviewJob))
	apiRouter.Handle("GET /api/statements", withAccount(importHandler.HandleListStatements))

	apiRouter.Handle("GET /api/transactions", withAccount(txHandler.HandleListTransactions))
	apiRouter.Handle("POST /api/transactions/{id}/match", withAccount(txHandler.HandleManualMatch))
	apiRouter.Handle("POST /api/transactions/{id}/unmatch", withAccount(txHandler.HandleUnmatch))
	apiRouter.Handle("GET /api/duplicates", withAccount(txHandler.HandleListPotentialDuplicates))
	apiRouter.Handle("POST /api/duplicates/{id}/resolve", withAccount(txHandler.HandleResolveDuplicate))

	apiRouter.Handle("POST /api/reconciliation/run", withAccount(reconciliationHandler.HandleRunReconciliation))
	apiRouter.Handle("POST /api/invoices", withAccount(reconciliationHandler.HandleRegisterInvoice))
	apiRouter.Handle("GET /api/invoices", withAccount(reconciliationHandler.HandleListInvoices))

	apiRouter.Handle("POST /api/sync/transactions", withAccount(syncHandler.HandleSyncFeed))

	rootMux.Handle("/api/", apiRouter)

	rootMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" && r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"message": "Clearledger backend is running"})
		} else {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				logger.L.Warn("Root level path not found", "method", r.Method, "path", r.URL.Path)
				http.NotFound(w, r)
			}
		}
	})

	logger.L.Info("Applying global middleware...")
	finalHandler := enableCORS(rateLimitMiddleware(rootMux))

	serverAddr := ":" + config.Cfg.Port
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      finalHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.L.Info("Shutdown signal received, draining...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := queue.Stop(shutdownCtx); err != nil {
			logger.L.Warn("Job queue did not drain in time", "error", err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.L.Warn("HTTP server shutdown error", "error", err)
		}
	}()

	logger.L.Info("Server starting", "address", serverAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.L.Error("Failed to start server", "error", err)
		stdlog.Fatalf("Failed to start server: %v", err)
	} else if err == http.ErrServerClosed {
		logger.L.Info("Server stopped gracefully.")
	}
}
