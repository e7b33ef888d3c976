// Package router maps a task's capability requirement to an ordered list of
// eligible agents, backed by the registry.
package router

import (
	"sort"

	"go.uber.org/zap"

	"github.com/whitecloud343/multi-ai-agents/registry"
	"github.com/whitecloud343/multi-ai-agents/types"
)

// Router ranks eligible agents for a capability requirement.
type Router struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// New creates a router backed by the given registry.
func New(reg *registry.Registry, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		registry: reg,
		logger:   logger.With(zap.String("component", "router")),
	}
}

// Match returns agent ids ordered best-first. Candidates advertising more of
// the requirement's preferred tags rank earlier; within an equal boost the
// registry's ordering (ascending load, then registration recency) holds.
//
// When no agent is eligible the returned NoEligibleAgent error is marked
// retryable only if some registered agent advertises the required tags: the
// condition is then transient (capacity or liveness) rather than structural.
func (r *Router) Match(req types.CapabilityRequirement) ([]string, error) {
	candidates := r.registry.Query(req.RequiredTags, 1)
	if len(candidates) == 0 {
		retryable := r.registry.TagsSatisfiable(req.RequiredTags)
		r.logger.Debug("no eligible agent",
			zap.Strings("required_tags", req.RequiredTags),
			zap.Bool("retryable", retryable),
		)
		return nil, types.NewError(types.ErrNoEligibleAgent, "no agent matches requirement").
			WithRetryable(retryable)
	}

	if len(req.PreferredTags) > 0 {
		sort.SliceStable(candidates, func(i, j int) bool {
			return preferredScore(candidates[i], req.PreferredTags) >
				preferredScore(candidates[j], req.PreferredTags)
		})
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	return ids, nil
}

// MatchOne returns the single best candidate for the requirement.
func (r *Router) MatchOne(req types.CapabilityRequirement) (string, error) {
	ids, err := r.Match(req)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func preferredScore(agent *types.AgentDescriptor, preferred []string) int {
	score := 0
	for _, tag := range preferred {
		if agent.HasTags([]string{tag}) {
			score++
		}
	}
	return score
}
