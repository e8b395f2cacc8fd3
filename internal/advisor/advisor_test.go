package advisor

import (
	"context"
	"errors"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/danielpatrickdp/evolution-engine/internal/autonomy"
	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

// #region harness
func startServer(t *testing.T, srv Server) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	RegisterServer(gs, srv)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewClientWithConn(conn)
}

type recordingProposer struct {
	got []state.Proposal
	err error
}

func (r *recordingProposer) Propose(_ context.Context, p state.Proposal) (autonomy.ProposalResult, error) {
	if r.err != nil {
		return autonomy.ProposalResult{}, r.err
	}
	r.got = append(r.got, p)
	return autonomy.ProposalResult{Status: autonomy.StatusQueued, RiskScore: 0.5}, nil
}

type staticAdvisor []state.Proposal

func (s staticAdvisor) Advise(context.Context, Request) ([]state.Proposal, error) {
	return s, nil
}
// #endregion harness

// #region client-tests
func TestAdviseRoundTrip(t *testing.T) {
	risk := 0.3
	var seen Request
	c := startServer(t, ServerFunc(func(_ context.Context, req Request) ([]state.Proposal, error) {
		seen = req
		return []state.Proposal{
			{
				Kind:                 state.KindStorage,
				Description:          "compact the archive tier",
				ExpectedFitnessDelta: 4.5,
				RiskScore:            &risk,
				Metadata:             map[string]string{"tier": "archive"},
			},
			{Kind: state.KindProtocol, Description: "bump wire protocol", ExpectedFitnessDelta: 1},
		}, nil
	}))

	ps, err := c.Advise(context.Background(), Request{Version: 7, Fitness: 61.5, Trend: "degrading", MaxProposals: 2})
	if err != nil {
		t.Fatalf("advise: %v", err)
	}
	if seen.Version != 7 || seen.Fitness != 61.5 || seen.Trend != "degrading" || seen.MaxProposals != 2 {
		t.Fatalf("server saw %+v", seen)
	}
	if len(ps) != 2 {
		t.Fatalf("expected 2 proposals, got %d", len(ps))
	}
	if ps[0].Kind != state.KindStorage || ps[0].ExpectedFitnessDelta != 4.5 {
		t.Fatalf("unexpected first proposal %+v", ps[0])
	}
	if ps[0].RiskScore == nil || *ps[0].RiskScore != 0.3 {
		t.Fatalf("risk score not carried: %v", ps[0].RiskScore)
	}
	if ps[0].Metadata["tier"] != "archive" {
		t.Fatalf("metadata not carried: %v", ps[0].Metadata)
	}
	if ps[1].RiskScore != nil || ps[1].Metadata != nil {
		t.Fatalf("absent fields should stay absent: %+v", ps[1])
	}
}

func TestAdviseServerError(t *testing.T) {
	c := startServer(t, ServerFunc(func(context.Context, Request) ([]state.Proposal, error) {
		return nil, errors.New("model offline")
	}))
	if _, err := c.Advise(context.Background(), Request{}); err == nil {
		t.Fatal("expected error from failing server")
	}
}

func TestNewClientLazyConnect(t *testing.T) {
	c, err := NewClient("localhost:0")
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
// #endregion client-tests

// #region poller-tests
func TestPollerOverridesOriginAndCaps(t *testing.T) {
	adv := staticAdvisor{
		{Kind: state.KindStorage, Description: "a", Origin: state.OriginSystem},
		{Kind: state.KindStorage, Description: "b"},
		{Kind: state.KindStorage, Description: "c"},
	}
	prop := &recordingProposer{}
	cfg := DefaultConfig()
	cfg.MaxProposals = 2
	p := NewPoller(cfg, adv, prop, func() Request { return Request{Version: 1} }, nil)

	res, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(res) != 2 || len(prop.got) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(prop.got))
	}
	for _, got := range prop.got {
		if got.Origin != state.OriginExternal {
			t.Fatalf("remote origin must be external, got %s", got.Origin)
		}
	}

	cfg.Trusted = true
	prop.got = nil
	p = NewPoller(cfg, adv, prop, func() Request { return Request{} }, nil)
	if _, err := p.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if prop.got[0].Origin != state.OriginTrustedAgent {
		t.Fatalf("trusted advisor should submit as trusted_agent, got %s", prop.got[0].Origin)
	}
}

func TestPollerStopsOnProposerError(t *testing.T) {
	adv := staticAdvisor{{Kind: state.KindStorage, Description: "a"}}
	prop := &recordingProposer{err: errors.New("stopped")}
	p := NewPoller(DefaultConfig(), adv, prop, func() Request { return Request{} }, nil)
	if _, err := p.Poll(context.Background()); err == nil {
		t.Fatal("expected proposer error to surface")
	}
}
// #endregion poller-tests
