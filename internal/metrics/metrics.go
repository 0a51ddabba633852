// Package metrics records cache, credential and store activity as
// Prometheus collectors on a registry owned by the caller.
package metrics

import (
	"io"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

const namespace = "securestore"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	cacheLookups   *prometheus.CounterVec
	credentialOps  *prometheus.CounterVec
	kvOps          *prometheus.CounterVec
	storesOpen     prometheus.Gauge
	migratedFiles  *prometheus.CounterVec
	keyGenerations prometheus.Counter
	partialWrites  prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		cacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_cache_lookups_total",
				Help:      "Credential cache lookups by outcome",
			},
			[]string{"result"},
		),
		credentialOps: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_operations_total",
				Help:      "Credential operations by operation and platform status",
			},
			[]string{"op", "status"},
		),
		kvOps: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kv_operations_total",
				Help:      "Key-value store operations by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		storesOpen: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "kv_stores_open",
				Help:      "Store instances currently held by the registry",
			},
		),
		migratedFiles: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migration_files_total",
				Help:      "Files visited by legacy-key migration by outcome",
			},
			[]string{"outcome"},
		),
		keyGenerations: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "keys_generated_total",
				Help:      "Encryption keys generated",
			},
		),
		partialWrites: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kv_partial_writes_total",
				Help:      "Saves whose value file landed but key file did not",
			},
		),
	}
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// CacheHit records a credential cache hit.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Inc()
}

// CacheMiss records a credential cache miss.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// CredentialOp records one primitive call and its status code.
func (m *Metrics) CredentialOp(op string, status int32) {
	if m == nil {
		return
	}
	m.credentialOps.WithLabelValues(op, strconv.FormatInt(int64(status), 10)).Inc()
}

// StoreOp records a key-value store operation.
func (m *Metrics) StoreOp(op string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.kvOps.WithLabelValues(op, outcome).Inc()
}

// StoreOpened increments the open store gauge.
func (m *Metrics) StoreOpened() {
	if m == nil {
		return
	}
	m.storesOpen.Inc()
}

// StoresClosed decrements the open store gauge by n.
func (m *Metrics) StoresClosed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.storesOpen.Sub(float64(n))
}

// MigratedFile records the outcome of migrating one file.
// Outcomes are "migrated", "current" and "failed".
func (m *Metrics) MigratedFile(outcome string) {
	if m == nil {
		return
	}
	m.migratedFiles.WithLabelValues(outcome).Inc()
}

// KeyGenerated records a freshly generated key.
func (m *Metrics) KeyGenerated() {
	if m == nil {
		return
	}
	m.keyGenerations.Inc()
}

// PartialWrite records a v2 save whose key file failed.
func (m *Metrics) PartialWrite() {
	if m == nil {
		return
	}
	m.partialWrites.Inc()
}

// WriteText writes every gathered family in the Prometheus text format.
func (m *Metrics) WriteText(w io.Writer) error {
	if m == nil {
		return nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
