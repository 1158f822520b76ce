package mesh

// Routing weights. Load dominates; locality and affinity are tie-shifting
// bonuses rather than overrides.
const (
	activeRunWeight = 1.0
	queueWeight     = 0.5
	localityBonus   = 2.0
	affinityBonus   = 1.5
)

// Preference tunes routing behavior per node.
type Preference struct {
	// PreferLocal grants the local node the locality bonus while its load is
	// under SaturationThreshold.
	PreferLocal bool
	// SaturationThreshold is the active-run count at which the locality
	// bonus stops applying.
	SaturationThreshold int
}

// DefaultPreference keeps execution local until the node is busy.
func DefaultPreference() Preference {
	return Preference{PreferLocal: true, SaturationThreshold: 5}
}

// Decision reports where a call was routed and why.
type Decision struct {
	NodeID string
	Local  bool
	Score  float64
}

// SelectTarget picks the best node for a tool call. Pure function, no I/O:
// each node scores as load penalty minus applicable bonuses, lowest score
// wins, ties break toward the local node. Only healthy peers are eligible;
// with none, local execution is forced. affinity maps tool name to the node
// that last served it in this run.
func SelectTarget(toolName string, peers []PeerState, localID string, localLoad NodeLoad, affinity map[string]string, pref Preference) Decision {
	localScore := loadPenalty(localLoad)
	if pref.PreferLocal && localLoad.ActiveRuns < pref.SaturationThreshold {
		localScore -= localityBonus
	}
	if affinity[toolName] == localID {
		localScore -= affinityBonus
	}

	best := Decision{NodeID: localID, Local: true, Score: localScore}
	for _, peer := range peers {
		if peer.Health != HealthHealthy {
			continue
		}
		score := loadPenalty(peer.Load)
		if affinity[toolName] == peer.Info.NodeID {
			score -= affinityBonus
		}
		if score < best.Score {
			best = Decision{NodeID: peer.Info.NodeID, Score: score}
		}
	}
	return best
}

func loadPenalty(load NodeLoad) float64 {
	return float64(load.ActiveRuns)*activeRunWeight + float64(load.QueueDepth)*queueWeight
}
