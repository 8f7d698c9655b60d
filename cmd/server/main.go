package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ledgermesh/ledgermesh"
	"github.com/ledgermesh/ledgermesh/config"
	"github.com/ledgermesh/ledgermesh/internal/adapter"
	"github.com/ledgermesh/ledgermesh/internal/txn"
	"github.com/sirupsen/logrus"
)

var (
	flagConfig  = flag.String("config", "", "Path to a YAML config file (config.LoadYAML); falls back to -node/-wal-path with config.Defaults() when empty")
	flagNode    = flag.String("node", "node-1", "Node id, used when -config is not given")
	flagWAL     = flag.String("wal-path", "./data/wal", "WAL directory, used when -config is not given")
	flagHTTP    = flag.String("http", ":8080", "HTTP listen address (empty to disable)")
	flagVerbose = flag.Bool("v", false, "Verbose (debug-level) logging")
)

// insertRequest is the body for POST /api/adapters/{id}/insert.
type insertRequest struct {
	Collection string           `json:"collection"`
	Document   adapter.Document `json:"document"`
}

// queryRequest is the body for POST /api/adapters/{id}/query.
type queryRequest struct {
	Collection string         `json:"collection"`
	Filter     map[string]any `json:"filter"`
}

// crossInsertRequest is the body for POST /api/cross-adapter/insert.
type crossInsertRequest struct {
	AdapterIDs []string         `json:"adapter_ids"`
	Collection string           `json:"collection"`
	Document   adapter.Document `json:"document"`
}

// crossQueryRequest is the body for POST /api/cross-adapter/query.
type crossQueryRequest struct {
	AdapterIDs []string       `json:"adapter_ids"`
	Collection string         `json:"collection"`
	Filter     map[string]any `json:"filter"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func errAdapterNotFound(id string) error {
	return errors.New("unknown adapter: " + id)
}

// apiServer exposes a Store's operations over HTTP, the way the teacher's
// server exposed its SQL engine: thin handlers that decode a request,
// delegate to one facade call, and re-encode the result.
type apiServer struct {
	store *ledgermesh.Store
	log   *logrus.Entry
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	adapters := s.store.Registry().All()
	ids := make([]string, 0, len(adapters))
	for _, a := range adapters {
		ids = append(ids, a.ID())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"time":     time.Now().UTC().Format(time.RFC3339),
		"adapters": ids,
	})
}

func (s *apiServer) handleAdapterInsert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.PathValue("id")
	a, ok := s.store.Registry().ByID(id)
	if !ok {
		writeError(w, http.StatusNotFound, errAdapterNotFound(id))
		return
	}
	var req insertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	coord := s.store.Coordinator()
	txID, err := coord.Begin(r.Context(), []adapter.Adapter{a})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	rec := txn.OperationRecord{AdapterID: id, Kind: adapter.OpInsert, Collection: req.Collection, NewValue: req.Document}
	if err := coord.Operation(r.Context(), txID, id, rec); err != nil {
		_ = coord.Rollback(r.Context(), txID)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := coord.Commit(r.Context(), txID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"transaction_id": txID})
}

func (s *apiServer) handleAdapterQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.PathValue("id")
	a, ok := s.store.Registry().ByID(id)
	if !ok {
		writeError(w, http.StatusNotFound, errAdapterNotFound(id))
		return
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	docs, err := a.Query(r.Context(), req.Collection, req.Filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "count": len(docs)})
}

func (s *apiServer) handleCrossAdapterInsert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req crossInsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.FanOut().ExecuteCrossAdapterInsert(r.Context(), req.AdapterIDs, req.Collection, req.Document); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"committed": true})
}

func (s *apiServer) handleCrossAdapterQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req crossQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	results, err := s.store.FanOut().ExecuteQueryOn(r.Context(), req.AdapterIDs, req.Collection, req.Filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func loadConfig() (config.Config, error) {
	if *flagConfig != "" {
		return config.LoadYAML(*flagConfig)
	}
	cfg := config.Defaults()
	cfg.Node.ID = *flagNode
	cfg.WAL.Path = *flagWAL
	cfg.Adapters = []config.AdapterConfig{
		{ID: "default", Type: "memory", Enabled: true},
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func main() {
	flag.Parse()

	logger := logrus.New()
	if *flagVerbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	log := logrus.NewEntry(logger)

	cfg, err := loadConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	store, err := ledgermesh.Open(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to open store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start store")
	}

	api := &apiServer{store: store, log: log}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", api.handleStatus)
	mux.HandleFunc("/api/adapters/{id}/insert", api.handleAdapterInsert)
	mux.HandleFunc("/api/adapters/{id}/query", api.handleAdapterQuery)
	mux.HandleFunc("/api/cross-adapter/insert", api.handleCrossAdapterInsert)
	mux.HandleFunc("/api/cross-adapter/query", api.handleCrossAdapterQuery)

	httpServer := &http.Server{Addr: *flagHTTP, Handler: mux}
	if *flagHTTP != "" {
		go func() {
			log.Infof("HTTP listening on %s", *flagHTTP)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("HTTP serve error")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	cancel()
	if err := store.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("error during store shutdown")
	}
}
