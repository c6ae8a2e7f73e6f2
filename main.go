package main

import (
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/urfave/negroni"

	"github.com/chatforge/kbingest/config"
	"github.com/chatforge/kbingest/db"
	"github.com/chatforge/kbingest/logging"
	"github.com/chatforge/kbingest/pipeline"
	"github.com/chatforge/kbingest/scheduler"
	"github.com/chatforge/kbingest/server"
	"github.com/chatforge/kbingest/services/extraction_service"
	"github.com/chatforge/kbingest/services/normalizer_service"
	"github.com/chatforge/kbingest/services/rag_service"
	"github.com/chatforge/kbingest/services/splitter_service"
	"github.com/chatforge/kbingest/services/storage_service"
	"github.com/chatforge/kbingest/storage"
)

func main() {
	cfg := config.Load()

	logger := setupLogger()
	slog.SetDefault(logger)

	pool, err := db.Connect(cfg.DatabaseURL, cfg.EmbeddingDimension)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	jobStore := storage.NewJobStore(pool)
	documentStore := storage.NewDocumentStore(pool)
	embeddingStore := storage.NewEmbeddingStore(pool)

	embedder := rag_service.NewEmbeddingService(cfg, logger)
	knowledge := rag_service.NewKnowledgeService(cfg, logger, embedder, embeddingStore)

	orchestrator, err := pipeline.NewOrchestrator(cfg, logger, pipeline.Deps{
		Normalizer:     normalizer_service.New(cfg, logger),
		Splitter:       splitter_service.New(cfg.MaxPagesPerChunk, logger),
		Extractor:      extraction_service.NewClient(cfg, logger),
		LocalExtractor: rag_service.NewDocumentExtractor(logger),
		Embedder:       embedder,
		ObjectStore:    storage_service.New(cfg, logger),
		Jobs:           jobStore,
		Documents:      documentStore,
		Vectors:        embeddingStore,
	})
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}
	defer orchestrator.Release()

	reaper := scheduler.New(jobStore, cfg.JobTimeout, cfg.ReaperInterval, logger)
	go reaper.Start()
	defer reaper.Stop()

	r := server.SetupRoutes(cfg, logger, pool, server.Services{
		Orchestrator: orchestrator,
		Knowledge:    knowledge,
	})
	n := setupNegroni(r)

	if cfg.Environment == "production" {
		server.ServeProduction(n, cfg)
	} else {
		srv := &http.Server{
			Addr:         ":" + cfg.HTTPPort,
			Handler:      n,
			IdleTimeout:  time.Minute,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		}
		logger.Info("Starting server", slog.String("addr", srv.Addr))
		server.ServeDevelopment(srv)
	}
}

func setupLogger() *slog.Logger {
	handler, err := logging.NewDailyFileHandler("logs", &slog.HandlerOptions{Level: slog.LevelDebug})
	if err != nil {
		log.Printf("Warning: falling back to stdout logging: %v", err)
		return slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	return slog.New(handler)
}

func setupNegroni(r *mux.Router) *negroni.Negroni {
	n := negroni.New()

	// Add middleware here
	n.Use(negroni.NewRecovery())
	n.Use(negroni.NewLogger())

	n.UseHandler(r)
	return n
}
