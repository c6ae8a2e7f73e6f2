package server

import (
	"crypto/tls"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/negroni"
	"golang.org/x/crypto/acme/autocert"

	"github.com/chatforge/kbingest/config"
	"github.com/chatforge/kbingest/handlers"
)

// Services bundles what the routes need.
type Services struct {
	Orchestrator interface {
		handlers.Submitter
		handlers.StatusGetter
	}
	Knowledge handlers.KnowledgeQuerier
}

func SetupRoutes(cfg config.Config, logger *slog.Logger, db *pgxpool.Pool, svcs Services) *mux.Router {
	r := mux.NewRouter()

	submitHandler := handlers.NewSubmitDocumentHandler(cfg, logger, svcs.Orchestrator)
	statusHandler := handlers.NewJobStatusHandler(logger, svcs.Orchestrator)
	queryHandler := handlers.NewKnowledgeQueryHandler(cfg, logger, svcs.Knowledge)
	healthHandler := handlers.NewHealthHandler(db, logger)

	r.Handle("/api/documents", submitHandler).Methods("POST")
	r.Handle("/api/jobs/{id}", statusHandler).Methods("GET")
	r.Handle("/api/knowledge/query", queryHandler).Methods("POST")
	r.Handle("/healthz", healthHandler).Methods("GET")

	return r
}

// ServeProduction builds the server when we operate in a production environment.
func ServeProduction(n *negroni.Negroni, cfg config.Config) {
	// Configure autocert settings
	autocertManager := autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.Domains...),
		Cache:      autocert.DirCache(cfg.CertCacheDir),
	}

	// Listen for HTTP requests on port 80 in a new goroutine. Use
	// autocertManager.HTTPHandler(nil) as the handler. This will send ACME
	// "http-01" challenge responses as necessary, and 302 redirect all other
	// requests to HTTPS.
	go func() {
		srv := &http.Server{
			Addr:         ":80",
			Handler:      autocertManager.HTTPHandler(nil),
			IdleTimeout:  time.Minute,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		err := srv.ListenAndServe()
		log.Fatal(err)
	}()

	// Configure the TLS config to use the autocertManager.GetCertificate function.
	tlsConfig := &tls.Config{
		GetCertificate:           autocertManager.GetCertificate,
		PreferServerCipherSuites: true,
		CurvePreferences:         []tls.CurveID{tls.X25519, tls.CurveP256},
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPSPort,
		Handler:      n,
		TLSConfig:    tlsConfig,
		IdleTimeout:  time.Minute,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	err := srv.ListenAndServeTLS("", "") // Key and cert provided automatically by autocert.
	log.Fatal(err)
}

// ServeDevelopment starts the server when we operate in a dev environment.
func ServeDevelopment(s *http.Server) {
	log.Fatal(s.ListenAndServe())
}
