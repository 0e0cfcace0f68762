package dispatch

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/weftlabs/weft/cmd/controlplane/registry"
	"github.com/weftlabs/weft/common/config"
	"github.com/weftlabs/weft/common/model"
)

// Selector picks a worker for one dispatch. Candidates must advertise the
// node type and exact package version, be online, have a fresh heartbeat and
// satisfy the node's affinity constraint. Candidates are sorted by name
// before the strategy applies, so ties always break the same way.
type Selector struct {
	strategy string
	maxAge   time.Duration
	affinity *AffinityEvaluator
	logger   Logger

	mu     sync.Mutex
	cursor uint64
}

// SelectorOpts contains options for creating a selector.
type SelectorOpts struct {
	Strategy        string
	MaxHeartbeatAge time.Duration
	Affinity        *AffinityEvaluator
	Logger          Logger
}

// NewSelector creates a selector. An unknown strategy falls back to the
// default rotation.
func NewSelector(opts *SelectorOpts) *Selector {
	strategy := opts.Strategy
	switch strategy {
	case config.StrategyDefault, config.StrategyLeastInflight,
		config.StrategyLeastLatency, config.StrategyRandom:
	default:
		if strategy != "" {
			opts.Logger.Warn("unknown dispatch strategy, using default", "strategy", strategy)
		}
		strategy = config.StrategyDefault
	}
	maxAge := opts.MaxHeartbeatAge
	if maxAge <= 0 {
		maxAge = 45 * time.Second
	}
	affinity := opts.Affinity
	if affinity == nil {
		affinity = NewAffinityEvaluator()
	}
	return &Selector{
		strategy: strategy,
		maxAge:   maxAge,
		affinity: affinity,
		logger:   opts.Logger,
	}
}

// Select filters the worker snapshot down to eligible candidates and applies
// the configured strategy. Reports false when no worker qualifies.
func (s *Selector) Select(spec *registry.DispatchSpec, workers []model.WorkerRecord, now time.Time) (*model.WorkerRecord, bool) {
	var candidates []model.WorkerRecord
	for i := range workers {
		w := &workers[i]
		if w.Status != model.WorkerOnline {
			continue
		}
		if !w.HeartbeatFresh(now, s.maxAge) {
			continue
		}
		if !w.CanExecute(spec.NodeType, spec.Package) {
			continue
		}
		if spec.Affinity != "" {
			ok, err := s.affinity.Matches(spec.Affinity, w)
			if err != nil {
				s.logger.Warn("affinity evaluation failed",
					"worker", w.Name,
					"node", spec.NodeID,
					"error", err,
				)
				continue
			}
			if !ok {
				continue
			}
		}
		candidates = append(candidates, *w)
	}
	if len(candidates) == 0 {
		return nil, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Name < candidates[j].Name
	})

	var pick model.WorkerRecord
	switch s.strategy {
	case config.StrategyLeastInflight:
		pick = candidates[0]
		for _, c := range candidates[1:] {
			if c.InFlight < pick.InFlight {
				pick = c
			}
		}
	case config.StrategyLeastLatency:
		pick = candidates[0]
		for _, c := range candidates[1:] {
			if c.LatencyEWMAMS < pick.LatencyEWMAMS {
				pick = c
			}
		}
	case config.StrategyRandom:
		pick = candidates[rand.Intn(len(candidates))]
	default:
		// Rotate through eligible workers in name order.
		s.mu.Lock()
		idx := int(s.cursor % uint64(len(candidates)))
		s.cursor++
		s.mu.Unlock()
		pick = candidates[idx]
	}
	return &pick, true
}
