package models

// Node types with engine-level semantics. All other node types are looked
// up in the node registry by their type string.
const (
	NodeTypeStart           = "startNode"
	NodeTypeWebhookTrigger  = "webhookTrigger"
	NodeTypeScheduleTrigger = "scheduleTrigger"
	NodeTypeAnswer          = "answerNode"
	NodeTypeHTTP            = "httpNode"
	NodeTypeLLM             = "llmNode"
	NodeTypeCode            = "codeNode"
	NodeTypeCondition       = "conditionNode"
	NodeTypeLoop            = "loopNode"
	NodeTypeWorkflow        = "workflowNode"
	NodeTypeKnowledge       = "knowledgeRetrievalNode"
	NodeTypeTemplate        = "templateNode"
)

// IsTrigger reports whether the node type is a graph entry point.
func IsTrigger(nodeType string) bool {
	switch nodeType {
	case NodeTypeStart, NodeTypeWebhookTrigger, NodeTypeScheduleTrigger:
		return true
	}
	return false
}

// Node is a single typed vertex of a workflow graph. Data carries the
// type-specific configuration validated at graph load.
type Node struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Data     map[string]interface{} `json:"data,omitempty"`
	// TimeoutSeconds overrides the engine's per-node deadline when > 0.
	TimeoutSeconds int `json:"timeout,omitempty"`
	// ParentID nests the node under a loop node; parented nodes are
	// exempt from the trigger reachability check.
	ParentID string `json:"parentId,omitempty"`
}

// Edge connects two nodes. SourceHandle labels the branch on the source
// side; conditional nodes select outgoing edges by this label.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// Graph is a user-authored directed graph of typed nodes.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// NodeByID returns the node with the given id, or nil.
func (g *Graph) NodeByID(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// TriggerNodes returns all trigger-typed, non-parented nodes.
func (g *Graph) TriggerNodes() []Node {
	var triggers []Node
	for _, n := range g.Nodes {
		if IsTrigger(n.Type) && n.ParentID == "" {
			triggers = append(triggers, n)
		}
	}
	return triggers
}
