package service

import (
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/moduly/moduly/common/models"
)

// ErrDeploymentActive means a draft-only operation hit the live snapshot.
var ErrDeploymentActive = fmt.Errorf("active deployments are immutable")

// ValidationError carries a user-facing reason for a rejected graph edit.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// PatchDraftGraph applies a JSON merge patch to an inactive deployment's
// graph and persists the result. Active snapshots are frozen; editing
// them would change runs already routed by slug.
func (s *RunService) PatchDraftGraph(ctx context.Context, id uuid.UUID, patch []byte) (*models.Graph, error) {
	dep, err := s.deployments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if dep.Active {
		return nil, ErrDeploymentActive
	}

	original, err := json.Marshal(dep.Graph)
	if err != nil {
		return nil, fmt.Errorf("marshal draft graph: %w", err)
	}
	merged, err := jsonpatch.MergePatch(original, patch)
	if err != nil {
		return nil, &ValidationError{Reason: "invalid merge patch: " + err.Error()}
	}

	var graph models.Graph
	if err := json.Unmarshal(merged, &graph); err != nil {
		return nil, &ValidationError{Reason: "patched graph is not a valid graph document"}
	}
	if err := checkGraphShape(graph); err != nil {
		return nil, err
	}

	if err := s.deployments.UpdateGraph(ctx, id, graph); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, slugCacheKey(dep.URLSlug)); err != nil {
			s.log.Warn("slug cache invalidation failed", "slug", dep.URLSlug, "error", err)
		}
	}

	s.log.Info("draft graph patched", "deployment_id", id, "nodes", len(graph.Nodes))
	return &graph, nil
}

// checkGraphShape rejects structurally broken drafts before they reach
// the engine's deeper validation at run time.
func checkGraphShape(graph models.Graph) error {
	if len(graph.Nodes) == 0 {
		return &ValidationError{Reason: "graph has no nodes"}
	}

	ids := make(map[string]bool, len(graph.Nodes))
	for _, n := range graph.Nodes {
		if n.ID == "" {
			return &ValidationError{Reason: "node with empty id"}
		}
		if ids[n.ID] {
			return &ValidationError{Reason: "duplicate node id " + n.ID}
		}
		ids[n.ID] = true
	}

	for _, e := range graph.Edges {
		if !ids[e.Source] {
			return &ValidationError{Reason: "edge " + e.ID + " references unknown source " + e.Source}
		}
		if !ids[e.Target] {
			return &ValidationError{Reason: "edge " + e.ID + " references unknown target " + e.Target}
		}
	}

	if len(graph.TriggerNodes()) == 0 {
		return &ValidationError{Reason: "graph has no trigger node"}
	}
	return nil
}
