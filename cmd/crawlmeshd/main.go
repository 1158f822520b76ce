// Command crawlmeshd runs a single CrawlMesh node: the run API, the builtin
// tools, and (when enabled) the mesh coordination endpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/joho/godotenv"

	"github.com/crawlmesh/crawlmesh/config"
	"github.com/crawlmesh/crawlmesh/core"
	"github.com/crawlmesh/crawlmesh/dispatch"
	"github.com/crawlmesh/crawlmesh/engine"
	"github.com/crawlmesh/crawlmesh/logging"
	"github.com/crawlmesh/crawlmesh/mesh"
	"github.com/crawlmesh/crawlmesh/policy"
	"github.com/crawlmesh/crawlmesh/provider"
	"github.com/crawlmesh/crawlmesh/provider/anthropic"
	"github.com/crawlmesh/crawlmesh/provider/openai"
	"github.com/crawlmesh/crawlmesh/tools/builtin"
	"github.com/crawlmesh/crawlmesh/trace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "crawlmeshd:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.NewNodeLogger(&logging.LoggerConfig{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Format: cfg.LogFormat,
		NodeID: core.NewID(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tools and dispatch.
	gate := policy.NewGate()
	registry := dispatch.NewRegistry()
	fetch := builtin.NewFetchTool(func(o *builtin.FetchOptions) {
		o.Gate = gate
		o.GateConfig = cfg.RunConfig()
	})
	if err := registry.Register(fetch.Entry()); err != nil {
		return err
	}

	localDispatcher := dispatch.New(registry, func(o *dispatch.Options) {
		o.Gate = gate
		o.Logger = logger.WithComponent("dispatch")
	})

	// Planning providers, ordered for fallback rotation.
	var adapters []provider.Adapter
	if cfg.AnthropicAPIKey != "" {
		adapters = append(adapters, anthropic.New(func(o *anthropic.Options) {
			o.APIKey = cfg.AnthropicAPIKey
			if cfg.AnthropicModel != "" {
				o.Model = anthropicsdk.Model(cfg.AnthropicModel)
			}
		}))
	}
	if cfg.OpenAIAPIKey != "" {
		adapters = append(adapters, openai.New(func(o *openai.Options) {
			o.APIKey = cfg.OpenAIAPIKey
			if cfg.OpenAIModel != "" {
				o.Model = cfg.OpenAIModel
			}
		}))
	}
	planner := provider.NewFallback(adapters, logger.WithComponent("provider"))

	// Mesh layer.
	nodeID := core.NewID()
	auth := mesh.NewAuthenticator([]byte(cfg.MeshSecret))
	client := mesh.NewClient(auth, nodeID, func(o *mesh.ClientOptions) {
		o.Logger = logger.WithComponent("mesh")
	})
	self := mesh.NodeInfo{
		NodeID:       nodeID,
		Name:         cfg.NodeName,
		AdvertiseURL: cfg.AdvertiseURL,
		Tools:        registry.Names(),
	}

	// Trace persistence.
	var store trace.Store
	if cfg.TraceDBPath != "" {
		sqlStore, err := trace.NewSQLiteStore(cfg.TraceDBPath)
		if err != nil {
			return err
		}
		defer sqlStore.Close()
		store = sqlStore
	} else {
		store = trace.NewInMemoryStore()
	}

	// Runner and coordinator reference each other (load reporting, remote
	// execution), so wire the coordinator with a late-bound load func.
	var runner *engine.Runner
	coordinator := mesh.NewCoordinator(
		mesh.Config{
			Enabled:           cfg.MeshEnabled,
			Self:              self,
			Seeds:             cfg.MeshSeeds,
			HeartbeatInterval: cfg.MeshHeartbeatInterval,
		},
		client,
		localDispatcher,
		func(o *mesh.CoordinatorOptions) {
			o.Logger = logger.WithComponent("mesh")
			o.LoadFunc = func() mesh.NodeLoad {
				if runner == nil {
					return mesh.NodeLoad{}
				}
				return mesh.NodeLoad{ActiveRuns: runner.ActiveRunCount()}
			}
		},
	)
	meshDispatcher := mesh.NewDispatcher(localDispatcher, coordinator, client, func(o *mesh.DispatcherOptions) {
		o.Preference.PreferLocal = cfg.MeshPreferLocal
		o.Logger = logger.WithComponent("mesh")
	})

	// Engine and runner.
	collector := trace.NewCollector()
	eng := engine.New(planner, meshDispatcher, registry, func(o *engine.Options) {
		o.Subscriber = collector
		o.Logger = logger.WithComponent("engine")
		o.Ghost = engine.NewGhost(planner, func(g *engine.GhostOptions) {
			g.Logger = logger.WithComponent("ghost")
		})
	})
	runner = engine.NewRunner(eng, func(o *engine.RunnerOptions) {
		o.Store = store
		o.Logger = logger.WithComponent("runner")
	})

	if err := coordinator.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/mesh/", mesh.NewServer(coordinator, auth, func(o *mesh.ServerOptions) {
		o.Logger = logger.WithComponent("mesh")
	}).Handler())
	registerRunRoutes(mux, runner, store, cfg.RunConfig())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Node listening", "addr", server.Addr, "mesh_enabled", cfg.MeshEnabled)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	coordinator.Stop(shutdownCtx)
	return server.Shutdown(shutdownCtx)
}

type submitRequest struct {
	Task   string          `json:"task"`
	Config *core.RunConfig `json:"config,omitempty"`
}

func registerRunRoutes(mux *http.ServeMux, runner *engine.Runner, store trace.Store, defaults core.RunConfig) {
	mux.HandleFunc("POST /runs", func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Task == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "task is required"})
			return
		}
		runConfig := defaults
		if req.Config != nil {
			runConfig = *req.Config
		}
		runID, err := runner.SubmitRun(r.Context(), req.Task, runConfig)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
	})

	mux.HandleFunc("GET /runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		runID := r.PathValue("id")
		if handle, ok := runner.GetRun(runID); ok {
			writeJSON(w, http.StatusOK, handle)
			return
		}
		// Finished runs from earlier process lifetimes may still be in the
		// persistent store.
		if result, err := store.Load(runID); err == nil {
			writeJSON(w, http.StatusOK, engine.RunHandle{RunID: runID, Status: engine.RunStatusDone, Result: &result})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
	})

	mux.HandleFunc("DELETE /runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if runner.Cancel(r.PathValue("id")) {
			writeJSON(w, http.StatusOK, map[string]bool{"canceled": true})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no running run with that id"})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
