// Package metrics exposes the ledger's live state as Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"order-ledger/internal/domain"
	"order-ledger/internal/ledger"
)

type Registry struct {
	reg *prometheus.Registry

	OpenOrders       *prometheus.GaugeVec
	OpenAccounts     prometheus.Gauge
	OccupiedTables   prometheus.Gauge
	PendingRemovals  *prometheus.GaugeVec
	Events           *prometheus.CounterVec
	GatewayConnected prometheus.Gauge
}

func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		OpenOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledger_open_orders",
			Help: "Orders currently held by the ledger, by status",
		}, []string{"status"}),
		OpenAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_open_orders_accounts",
			Help: "Orders accounts currently held by the ledger",
		}),
		OccupiedTables: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_occupied_tables",
			Help: "Tables with at least one open standalone order",
		}),
		PendingRemovals: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledger_pending_removals",
			Help: "Entries counting down to removal, by kind",
		}, []string{"kind"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_events_total",
			Help: "Ledger bus events, by event name",
		}, []string{"event"}),
		GatewayConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_gateway_connected",
			Help: "1 while the realtime hub connection is up",
		}),
	}
	r.reg.MustRegister(
		r.OpenOrders, r.OpenAccounts, r.OccupiedTables, r.PendingRemovals, r.Events, r.GatewayConnected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Attach keeps the gauges in step with the bus. Updates are cheap and run
// inline on the ledger's path.
func (r *Registry) Attach(bus *ledger.Bus) func() {
	unsubs := []func(){
		bus.OnOrdersUpdated(func(s ledger.Snapshot) {
			r.Events.WithLabelValues("ordersUpdated").Inc()
			r.observeSnapshot(s)
		}),
		bus.OnTableOrderMapUpdated(func(c ledger.TableChains) {
			r.Events.WithLabelValues("tableOrderMapUpdated").Inc()
			r.OccupiedTables.Set(float64(len(c)))
		}),
		bus.OnRemovedAtMapUpdated(func(rm ledger.Removals) {
			r.Events.WithLabelValues("removedAtMapUpdated").Inc()
			counts := map[ledger.RemovalKind]int{ledger.RemovalOrder: 0, ledger.RemovalAccount: 0}
			for _, e := range rm {
				counts[e.Kind]++
			}
			for k, n := range counts {
				r.PendingRemovals.WithLabelValues(string(k)).Set(float64(n))
			}
		}),
		bus.OnNewTableOrder(func(domain.Order) { r.Events.WithLabelValues("newTableOrder").Inc() }),
		bus.OnTableOrderRemoved(func(domain.Order) { r.Events.WithLabelValues("tableOrderRemoved").Inc() }),
		bus.OnOrderRemoved(func(domain.Order) { r.Events.WithLabelValues("orderRemoved").Inc() }),
		bus.OnOrdersAccountClosed(func(string) { r.Events.WithLabelValues("ordersAccountClosed").Inc() }),
		bus.OnOrdersAccountRemoved(func(domain.AccountRemoved) { r.Events.WithLabelValues("ordersAccountRemoved").Inc() }),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (r *Registry) SetGatewayConnected(up bool) {
	if up {
		r.GatewayConnected.Set(1)
		return
	}
	r.GatewayConnected.Set(0)
}

func (r *Registry) observeSnapshot(s ledger.Snapshot) {
	counts := map[domain.OrderStatus]int{
		domain.StatusPending: 0, domain.StatusInProgress: 0, domain.StatusDone: 0, domain.StatusRejected: 0,
	}
	for _, o := range s.Orders {
		counts[o.StatusID]++
	}
	for st, n := range counts {
		r.OpenOrders.WithLabelValues(st.String()).Set(float64(n))
	}
	r.OpenAccounts.Set(float64(len(s.Accounts)))
}
