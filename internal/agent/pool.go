package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/leadsignal/harvester/internal/harvest"
	"github.com/leadsignal/harvester/internal/session"
)

// PoolConfig sizes the pool and carries the shared pacing rules.
type PoolConfig struct {
	// Workers caps how many agents run; zero means one agent per identity.
	Workers int
	// Identities is the credential pool; one identity binds to one agent.
	Identities []harvest.Identity
	// Proxies are optional egress proxies assigned round-robin.
	Proxies []string
	Policy  session.Policy
	// FetchTimeout and MaxAuthAttempts are passed through to each agent.
	FetchTimeout    time.Duration
	MaxAuthAttempts int
	RunID           [16]byte
}

// FetcherFactory builds one Fetcher per agent; agents never share a
// browsing environment.
type FetcherFactory func(agentID string) harvest.Fetcher

// Pool fans one worker loop out per agent. Within an agent targets are
// strictly sequential; across agents there is no ordering.
type Pool struct {
	agents []*Agent
	logger *zap.Logger
}

// NewPool binds identities and proxies to agents. An empty identity pool is
// a fatal startup error.
func NewPool(cfg PoolConfig, deps Deps, newFetcher FetcherFactory) (*Pool, error) {
	if len(cfg.Identities) == 0 {
		return nil, harvest.ErrNoCredentials
	}
	if newFetcher == nil {
		return nil, fmt.Errorf("fetcher factory is required")
	}
	workers := cfg.Workers
	if workers <= 0 || workers > len(cfg.Identities) {
		workers = len(cfg.Identities)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{logger: logger}
	for i := 0; i < workers; i++ {
		id := fmt.Sprintf("agent-%02d", i+1)
		proxy := ""
		if len(cfg.Proxies) > 0 {
			proxy = cfg.Proxies[i%len(cfg.Proxies)]
		}
		agentDeps := deps
		agentDeps.Fetcher = newFetcher(id)
		p.agents = append(p.agents, New(Config{
			ID:              id,
			Identity:        cfg.Identities[i],
			Proxy:           proxy,
			Policy:          cfg.Policy,
			FetchTimeout:    cfg.FetchTimeout,
			MaxAuthAttempts: cfg.MaxAuthAttempts,
			RunID:           cfg.RunID,
		}, agentDeps))
	}
	return p, nil
}

// Agents exposes the pool members, primarily for status reporting.
func (p *Pool) Agents() []*Agent {
	return p.agents
}

// Run blocks until every agent loop has exited. An individual agent's
// withdrawal never stops the rest of the pool.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, a := range p.agents {
		a := a
		tracker := a.deps.Tracker
		if tracker != nil {
			tracker.AgentStarted()
		}
		g.Go(func() error {
			defer func() {
				if tracker != nil {
					tracker.AgentStopped()
				}
			}()
			return a.Run(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("agent pool: %w", err)
	}
	p.logger.Info("agent pool drained")
	return nil
}
