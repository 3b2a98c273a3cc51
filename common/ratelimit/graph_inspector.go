package ratelimit

import "github.com/moduly/moduly/common/models"

// WorkflowTier represents the rate limit tier based on workflow complexity
type WorkflowTier string

const (
	TierSimple   WorkflowTier = "simple"   // No model or code nodes
	TierStandard WorkflowTier = "standard" // 1-2 model/code nodes
	TierHeavy    WorkflowTier = "heavy"    // 3+ model/code nodes
)

// GraphProfile contains analysis of a workflow graph's complexity
type GraphProfile struct {
	Tier       WorkflowTier
	HeavyCount int // Model, code and sub-workflow nodes
	TotalNodes int
}

// InspectGraph determines a graph's complexity tier. Model calls, code
// executions and sub-workflows consume shared capacity, so they drive
// the tier; plumbing nodes do not.
func InspectGraph(graph models.Graph) GraphProfile {
	profile := GraphProfile{
		Tier:       TierSimple,
		TotalNodes: len(graph.Nodes),
	}

	for _, node := range graph.Nodes {
		switch node.Type {
		case models.NodeTypeLLM, models.NodeTypeCode, models.NodeTypeWorkflow, models.NodeTypeKnowledge:
			profile.HeavyCount++
		}
	}

	profile.Tier = determineTier(profile.HeavyCount)
	return profile
}

func determineTier(heavyCount int) WorkflowTier {
	switch {
	case heavyCount == 0:
		return TierSimple
	case heavyCount <= 2:
		return TierStandard
	default:
		return TierHeavy
	}
}
