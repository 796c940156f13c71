package api

// engine.go - HTTP-контур управления движком арбитража фандинга:
// запуск/остановка, рубильник, ручное сканирование, позиции, статус.

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"arbitrage/internal/coordinator"
	"arbitrage/internal/scanner"
	"arbitrage/pkg/crypto"
)

// ============================================================
// Метрики
// ============================================================

var engineOpsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "engine_api",
		Name:      "operations_total",
		Help:      "Total control operations handled by the engine API, by operation and outcome",
	},
	[]string{"operation", "outcome"},
)

var engineOpLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "arbitrage",
		Subsystem: "engine_api",
		Name:      "operation_latency_ms",
		Help:      "Latency of control operations in milliseconds",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	},
	[]string{"operation"},
)

// EngineDependencies содержит зависимости контура управления движком.
type EngineDependencies struct {
	Coordinator  *coordinator.Coordinator
	Scanner      *scanner.Scanner
	Log          *zap.Logger
	OperatorHash string // bcrypt-хэш операторского токена; пусто - auth отключена (только для локальной разработки)
}

// SetupEngineRoutes регистрирует HTTP-маршруты управления движком поверх
// переданного mux.Router. Все POST-операции (reconcile, start, stop, scan,
// kill_switch, positions.close) требуют Bearer-токена, проверяемого через
// OperatorHash.
func SetupEngineRoutes(router *mux.Router, deps EngineDependencies) {
	eng := router.PathPrefix("/api/v1/engine").Subrouter()

	eng.HandleFunc("/status", deps.handleStatus).Methods("GET")
	eng.HandleFunc("/reconcile", deps.protected(deps.handleReconcile)).Methods("POST")
	eng.HandleFunc("/start", deps.protected(deps.handleStart)).Methods("POST")
	eng.HandleFunc("/stop", deps.protected(deps.handleStop)).Methods("POST")
	eng.HandleFunc("/scan", deps.protected(deps.handleForceScan)).Methods("POST")
	eng.HandleFunc("/kill-switch/activate", deps.protected(deps.handleActivateKillSwitch)).Methods("POST")
	eng.HandleFunc("/kill-switch/deactivate", deps.protected(deps.handleDeactivateKillSwitch)).Methods("POST")
	eng.HandleFunc("/positions/{id}/close", deps.protected(deps.handleClosePosition)).Methods("POST")

	router.HandleFunc("/health", deps.handleHealth).Methods("GET")
	router.HandleFunc("/ready", deps.handleReady).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// protected оборачивает handler проверкой Bearer-токена против
// OperatorHash. Если OperatorHash пуст, проверка пропускается - только
// для локальной разработки/симуляции, не для боевого развертывания.
func (deps EngineDependencies) protected(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.OperatorHash == "" {
			next(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if !crypto.CheckPasswordMatch(token, deps.OperatorHash) {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return ""
	}
	return h[len(prefix):]
}

func (deps EngineDependencies) observe(operation string, start time.Time, err error) {
	engineOpLatency.WithLabelValues(operation).Observe(float64(time.Since(start).Milliseconds()))
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	engineOpsTotal.WithLabelValues(operation, outcome).Inc()
}

func (deps EngineDependencies) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := deps.Coordinator.GetStatus(r.Context())
	writeJSON(w, http.StatusOK, status)
}

func (deps EngineDependencies) handleReconcile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	issues, err := deps.Coordinator.ReconcileState(r.Context())
	deps.observe("reconcile", start, err)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"issues": issues})
}

func (deps EngineDependencies) handleStart(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	err := deps.Coordinator.Start(context.Background())
	deps.observe("engine.start", start, err)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "starting"})
}

func (deps EngineDependencies) handleStop(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	deps.Coordinator.Stop()
	deps.observe("engine.stop", start, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (deps EngineDependencies) handleForceScan(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	deps.Scanner.ForceScan(r.Context())
	deps.observe("force_scan", start, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "scanned"})
}

func (deps EngineDependencies) handleActivateKillSwitch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "manual activation via API"
	}

	start := time.Now()
	deps.Coordinator.ActivateKillSwitch(r.Context(), body.Reason)
	deps.observe("kill_switch.activate", start, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "kill_switch_active"})
}

func (deps EngineDependencies) handleDeactivateKillSwitch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	deps.Coordinator.DeactivateKillSwitch(r.Context())
	deps.observe("kill_switch.deactivate", start, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "kill_switch_inactive"})
}

func (deps EngineDependencies) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	start := time.Now()
	err := deps.Coordinator.ClosePosition(r.Context(), id)
	deps.observe("positions.close", start, err)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closing"})
}

func (deps EngineDependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady отражает готовность движка принимать трафик - не просто
// живость процесса (health), а фактическое состояние RUNNING.
func (deps EngineDependencies) handleReady(w http.ResponseWriter, r *http.Request) {
	status := deps.Coordinator.GetStatus(r.Context())
	if status.State != "running" {
		writeError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("READY"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
