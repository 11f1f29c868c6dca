package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	AccountsCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aaa_accounts_created_total",
		Help: "Total number of accounts created, by creation type.",
	}, []string{"creation_type"})

	ResolverDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aaa_resolver_decisions_total",
		Help: "External identity resolutions, by provider and outcome.",
	}, []string{"provider", "state"})

	TokensIssuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aaa_tokens_issued_total",
		Help: "Single-use tokens issued, by kind.",
	}, []string{"kind"})

	TokensConsumedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aaa_tokens_consumed_total",
		Help: "Single-use token redemptions, by kind and result.",
	}, []string{"kind", "result"})

	LoginsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aaa_logins_total",
		Help: "Login attempts, by method and result.",
	}, []string{"method", "result"})

	SyncEntriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aaa_directory_sync_entries_total",
		Help: "Directory entries processed by sync, by provider and result.",
	}, []string{"provider", "result"})

	OnlineUsersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aaa_online_users",
		Help: "Users with a live session at the last online sweep.",
	})
)

// InitCustomMetrics registers the collectors with reg.
// It should be called once at application startup.
func InitCustomMetrics(reg prometheus.Registerer) {
	if reg == nil {
		log.Error().Msg("Prometheus registry is nil, cannot register custom metrics.")
		return
	}
	collectors := []prometheus.Collector{
		AccountsCreatedTotal,
		ResolverDecisionsTotal,
		TokensIssuedTotal,
		TokensConsumedTotal,
		LoginsTotal,
		SyncEntriesTotal,
		OnlineUsersGauge,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msg("Failed to register metric")
		}
	}
	log.Info().Msg("Custom Prometheus metrics registered.")
}
