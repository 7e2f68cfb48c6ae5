package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Refresh results. Callers cannot observe the difference between a rotation
// and a grace or conflict-recovered refresh; the counters can.
const (
	refreshCreated           = "created"
	refreshRotated           = "rotated"
	refreshGrace             = "grace"
	refreshConflictRecovered = "conflict_recovered"
	refreshStale             = "stale"
)

var (
	refreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charon_session_refreshes_total",
		Help: "Session creations and refreshes by result.",
	}, []string{"result"})

	pruneTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "charon_store_prunes_total",
		Help: "Opportunistic store prunes by result.",
	}, []string{"result"})
)
