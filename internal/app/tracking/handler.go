// Package tracking serves a read-only HTTP view of the live ledger.
package tracking

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"order-ledger/internal/domain"
	"order-ledger/internal/ledger"
)

// LedgerView is the read side of *ledger.Ledger.
type LedgerView interface {
	RestaurantID() string
	Snapshot() ledger.Snapshot
	TableChains() ledger.TableChains
	Removals() ledger.Removals
}

// Health reports whether the realtime connection is up.
type Health interface {
	Connected() bool
}

type Handler struct {
	view     LedgerView
	health   Health
	gatherer prometheus.Gatherer

	mu       sync.RWMutex
	pings    map[string]func() error
	breakers map[string]func() string
}

func NewHandler(view LedgerView, health Health, gatherer prometheus.Gatherer) *Handler {
	return &Handler{
		view:     view,
		health:   health,
		gatherer: gatherer,
		pings:    make(map[string]func() error),
		breakers: make(map[string]func() string),
	}
}

// AddPing reports dependency name in /healthz. A failing ping makes the
// service unhealthy.
func (h *Handler) AddPing(name string, ping func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pings[name] = ping
}

// AddBreaker reports the state of a circuit breaker in /healthz. An open
// breaker degrades the status without failing the check.
func (h *Handler) AddBreaker(name string, state func() string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.breakers[name] = state
}

func Router(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/orders", h.ListOrders)
	mux.HandleFunc("GET /api/v1/orders/{order_id}", h.GetOrder)
	mux.HandleFunc("GET /api/v1/tables", h.ListTables)
	mux.HandleFunc("GET /api/v1/removals", h.ListRemovals)
	mux.HandleFunc("GET /healthz", h.Healthz)
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// ListOrders returns the live orders oldest first, optionally narrowed by
// ?status=DONE and ?table_id=.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	snap := h.view.Snapshot()
	status := strings.ToUpper(r.URL.Query().Get("status"))
	tableID := r.URL.Query().Get("table_id")

	orders := make([]domain.Order, 0, len(snap.Orders))
	for _, o := range snap.Orders {
		if status != "" && o.StatusID.String() != status {
			continue
		}
		if tableID != "" && o.TableID() != tableID {
			continue
		}
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].SentAt.Equal(orders[j].SentAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].SentAt.Before(orders[j].SentAt)
	})

	accounts := make([]domain.OrdersAccount, 0, len(snap.Accounts))
	for _, a := range snap.Accounts {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })

	writeJSON(w, http.StatusOK, map[string]any{
		"restaurant_id":   h.view.RestaurantID(),
		"orders":          orders,
		"orders_accounts": accounts,
	})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("order_id")
	o, ok := h.view.Snapshot().Orders[id]
	if !ok {
		writeProblem(w, http.StatusNotFound, "not_found", "order not found")
		return
	}
	resp := map[string]any{"order": o, "status": o.StatusID.String()}
	if rm, ok := h.view.Removals()[id]; ok {
		resp["removal"] = rm
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListTables(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.view.TableChains())
}

func (h *Handler) ListRemovals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.view.Removals())
}

// Healthz answers 503 while the gateway is down or a dependency ping fails.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	code, status := http.StatusOK, "ok"
	resp := map[string]any{"gateway": "connected"}
	if h.health != nil && !h.health.Connected() {
		code, status = http.StatusServiceUnavailable, "degraded"
		resp["gateway"] = "disconnected"
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.pings) > 0 {
		deps := make(map[string]string, len(h.pings))
		for name, ping := range h.pings {
			if err := ping(); err != nil {
				deps[name] = err.Error()
				code, status = http.StatusServiceUnavailable, "degraded"
				continue
			}
			deps[name] = "ok"
		}
		resp["dependencies"] = deps
	}
	if len(h.breakers) > 0 {
		states := make(map[string]string, len(h.breakers))
		for name, state := range h.breakers {
			states[name] = state()
			if states[name] == "open" {
				status = "degraded"
			}
		}
		resp["breakers"] = states
	}
	resp["status"] = status
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeProblem writes a trimmed RFC 7807 body.
func writeProblem(w http.ResponseWriter, code int, typ, detail string) {
	writeJSON(w, code, map[string]any{
		"type":   typ,
		"title":  http.StatusText(code),
		"status": code,
		"detail": detail,
	})
}
