package advisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/danielpatrickdp/evolution-engine/internal/autonomy"
	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

// Config for the polling loop.
type Config struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr" validate:"required_if=Enabled true"`
	Interval     time.Duration `yaml:"interval" validate:"gt=0"`
	Timeout      time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxProposals int           `yaml:"max_proposals" validate:"gte=1"`
	// Trusted marks proposals as trusted_agent instead of external.
	Trusted bool `yaml:"trusted"`
}

func DefaultConfig() Config {
	return Config{
		Interval:     5 * time.Minute,
		Timeout:      30 * time.Second,
		MaxProposals: 3,
	}
}

// Advisor is satisfied by *Client.
type Advisor interface {
	Advise(ctx context.Context, req Request) ([]state.Proposal, error)
}

// Proposer is satisfied by *autonomy.Controller.
type Proposer interface {
	Propose(ctx context.Context, p state.Proposal) (autonomy.ProposalResult, error)
}

// Poller periodically asks the advisor for proposals and submits them.
type Poller struct {
	config   Config
	advisor  Advisor
	proposer Proposer
	describe func() Request
	logger   *slog.Logger
}

// NewPoller builds a poller. describe supplies the current system summary.
func NewPoller(config Config, advisor Advisor, proposer Proposer, describe func() Request, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		config:   config,
		advisor:  advisor,
		proposer: proposer,
		describe: describe,
		logger:   logger.With("component", "advisor"),
	}
}

// Poll runs one round and returns the submission results.
// Remote proposals never keep a self-declared origin.
func (p *Poller) Poll(ctx context.Context) ([]autonomy.ProposalResult, error) {
	req := p.describe()
	req.MaxProposals = p.config.MaxProposals

	callCtx := ctx
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}
	proposals, err := p.advisor.Advise(callCtx, req)
	if err != nil {
		return nil, err
	}
	if len(proposals) > p.config.MaxProposals {
		proposals = proposals[:p.config.MaxProposals]
	}

	origin := state.OriginExternal
	if p.config.Trusted {
		origin = state.OriginTrustedAgent
	}
	results := make([]autonomy.ProposalResult, 0, len(proposals))
	for _, prop := range proposals {
		prop.Origin = origin
		res, err := p.proposer.Propose(ctx, prop)
		if err != nil {
			return results, err
		}
		p.logger.Info("advisor proposal submitted",
			"kind", prop.Kind, "status", res.Status, "risk", res.RiskScore, "request_id", res.RequestID)
		results = append(results, res)
	}
	return results, nil
}

// Run polls on every tick until ctx is cancelled. Failed rounds are logged.
func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.config.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("advisor poll failed", "error", err)
			}
		}
	}
}
