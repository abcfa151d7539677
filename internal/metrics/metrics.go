// Package metrics exposes a raftcore node's status as Prometheus
// gauges. Nothing here participates in any consensus invariant.
package metrics

import (
	"net/http"
	"time"

	raft "github.com/mvance/raftcore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	term = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "raftcore_term",
		Help: "Current Raft term observed by this node.",
	})

	isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "raftcore_is_leader",
		Help: "Whether this node is the current Raft leader (1) or not (0).",
	})

	commitIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "raftcore_commit_index",
		Help: "Highest log index known to be committed.",
	})

	lastApplied = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "raftcore_last_applied",
		Help: "Highest log index applied to the state machine.",
	})

	state = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "raftcore_state",
		Help: "1 for the node's current state, labeled by state name.",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(term)
	prometheus.MustRegister(isLeader)
	prometheus.MustRegister(commitIndex)
	prometheus.MustRegister(lastApplied)
	prometheus.MustRegister(state)
}

// Collector periodically samples a Raft node's Status and republishes
// it as Prometheus gauges.
type Collector struct {
	node   *raft.Raft
	period time.Duration
	stopCh chan struct{}
}

// NewCollector creates a Collector that samples node every period.
func NewCollector(node *raft.Raft, period time.Duration) *Collector {
	return &Collector{node: node, period: period, stopCh: make(chan struct{})}
}

// Start begins sampling in the background.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.period)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts background sampling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	status := c.node.Status()

	term.Set(float64(status.Term))
	commitIndex.Set(float64(status.CommitIndex))
	lastApplied.Set(float64(status.LastApplied))

	if status.State == raft.Leader {
		isLeader.Set(1)
	} else {
		isLeader.Set(0)
	}

	for _, name := range []string{"shutdown", "follower", "candidate", "leader"} {
		value := 0.0
		if status.State.String() == name {
			value = 1.0
		}
		state.WithLabelValues(name).Set(value)
	}
}

// Handler returns the HTTP handler that serves the registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
