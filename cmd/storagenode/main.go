// Command storagenode runs a single storage node: a disk-backed object
// server exposing the PUT/GET/DELETE object API that the vault's HTTP
// transport speaks, plus a health endpoint reporting disk capacity.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/disk"

	"github.com/veilstream/veilstream/pkg/logging"
)

func main() {
	listenAddr := flag.String("listen", ":9420", "Address to listen on")
	dataDir := flag.String("data", "./objects", "Path to object directory")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := logging.New(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, *listenAddr, *dataDir, logger); err != nil {
		logger.Error("storagenode error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, listenAddr, dataDir string, logger *slog.Logger) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}

	node := &objectServer{dataDir: dataDir, log: logger}

	router := mux.NewRouter()
	router.HandleFunc("/objects/{key}", node.handlePut).Methods(http.MethodPut)
	router.HandleFunc("/objects/{key}", node.handleGet).Methods(http.MethodGet)
	router.HandleFunc("/objects/{key}", node.handleDelete).Methods(http.MethodDelete)
	router.HandleFunc("/healthz", node.handleHealth).Methods(http.MethodGet)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("storagenode listening", "addr", listenAddr, "data", dataDir)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

type objectServer struct {
	dataDir string
	log     *slog.Logger
}

// objectPath maps a key to a file, rejecting path escapes.
func (s *objectServer) objectPath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, "/\\") || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.dataDir, key), nil
}

func (s *objectServer) handlePut(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	path, err := s.objectPath(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	object, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if err := writeDurable(path, object); err != nil {
		s.log.Error("object write failed", "key", key, "error", err)
		http.Error(w, "write object", http.StatusInternalServerError)
		return
	}

	s.log.Debug("object stored", "key", key, "size", len(object))
	w.WriteHeader(http.StatusCreated)
}

func (s *objectServer) handleGet(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	path, err := s.objectPath(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	object, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.log.Error("object read failed", "key", key, "error", err)
		http.Error(w, "read object", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(object)
}

func (s *objectServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	path, err := s.objectPath(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.log.Error("object delete failed", "key", key, "error", err)
		http.Error(w, "delete object", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	Status        string `json:"status"`
	TotalBytes    uint64 `json:"totalBytes"`
	FreeBytes     uint64 `json:"freeBytes"`
	UsedPercent   int    `json:"usedPercent"`
	ObjectRootDir string `json:"objectRootDir"`
}

func (s *objectServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", ObjectRootDir: s.dataDir}

	if usage, err := disk.Usage(s.dataDir); err == nil {
		resp.TotalBytes = usage.Total
		resp.FreeBytes = usage.Free
		resp.UsedPercent = int(usage.UsedPercent)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeDurable(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
