// Package advisor carries proposals from a remote advisor over gRPC.
//
// Messages are google.protobuf.Struct so the service needs no generated code:
//
//	request:  {"version": n, "fitness": f, "trend": "...", "max_proposals": n}
//	response: {"proposals": [{"kind": "...", "description": "...",
//	           "expected_fitness_delta": f, "risk_score": f, "metadata": {...}}]}
package advisor

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

const (
	ServiceName  = "evolution.v1.Advisor"
	AdviseMethod = "/" + ServiceName + "/Advise"
)

// #region types
// Request describes the system to the advisor.
type Request struct {
	Version      int64
	Fitness      float64
	Trend        string
	MaxProposals int
}

func (r Request) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"version":       float64(r.Version),
		"fitness":       r.Fitness,
		"trend":         r.Trend,
		"max_proposals": float64(r.MaxProposals),
	})
}

func requestFromStruct(s *structpb.Struct) Request {
	f := s.GetFields()
	return Request{
		Version:      int64(f["version"].GetNumberValue()),
		Fitness:      f["fitness"].GetNumberValue(),
		Trend:        f["trend"].GetStringValue(),
		MaxProposals: int(f["max_proposals"].GetNumberValue()),
	}
}
// #endregion types

// #region client
// Client calls a remote advisor.
type Client struct {
	conn    *grpc.ClientConn
	invoker grpc.ClientConnInterface
}

// NewClient connects to addr without transport security.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, invoker: conn}, nil
}

// NewClientWithConn wraps an existing connection. Close does not close it.
func NewClientWithConn(cc grpc.ClientConnInterface) *Client {
	return &Client{invoker: cc}
}

// Close shuts down the connection when the client owns it.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Advise asks for proposals. Origin is left empty; the caller assigns it.
func (c *Client) Advise(ctx context.Context, req Request) ([]state.Proposal, error) {
	in, err := req.toStruct()
	if err != nil {
		return nil, fmt.Errorf("encode advise request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.invoker.Invoke(ctx, AdviseMethod, in, out); err != nil {
		return nil, fmt.Errorf("advise rpc: %w", err)
	}
	return decodeProposals(out)
}
// #endregion client

// #region codec
var errMalformed = errors.New("malformed proposal")

func decodeProposals(s *structpb.Struct) ([]state.Proposal, error) {
	list := s.GetFields()["proposals"].GetListValue()
	if list == nil {
		return nil, nil
	}
	out := make([]state.Proposal, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		ps := v.GetStructValue()
		if ps == nil {
			return nil, fmt.Errorf("proposal %d: %w", i, errMalformed)
		}
		f := ps.GetFields()
		p := state.Proposal{
			Kind:                 state.Kind(f["kind"].GetStringValue()),
			Description:          f["description"].GetStringValue(),
			ExpectedFitnessDelta: f["expected_fitness_delta"].GetNumberValue(),
		}
		if rv, ok := f["risk_score"]; ok {
			if _, isNum := rv.GetKind().(*structpb.Value_NumberValue); isNum {
				r := rv.GetNumberValue()
				p.RiskScore = &r
			}
		}
		if md := f["metadata"].GetStructValue(); md != nil {
			p.Metadata = make(map[string]string, len(md.GetFields()))
			for k, mv := range md.GetFields() {
				p.Metadata[k] = mv.GetStringValue()
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func encodeProposals(ps []state.Proposal) (*structpb.Struct, error) {
	list := make([]any, 0, len(ps))
	for _, p := range ps {
		m := map[string]any{
			"kind":                   string(p.Kind),
			"description":            p.Description,
			"expected_fitness_delta": p.ExpectedFitnessDelta,
		}
		if p.RiskScore != nil {
			m["risk_score"] = *p.RiskScore
		}
		if len(p.Metadata) > 0 {
			md := make(map[string]any, len(p.Metadata))
			for k, v := range p.Metadata {
				md[k] = v
			}
			m["metadata"] = md
		}
		list = append(list, m)
	}
	return structpb.NewStruct(map[string]any{"proposals": list})
}
// #endregion codec

// #region server
// Server produces proposals for a request.
type Server interface {
	Advise(ctx context.Context, req Request) ([]state.Proposal, error)
}

// ServerFunc adapts a function to Server.
type ServerFunc func(ctx context.Context, req Request) ([]state.Proposal, error)

func (f ServerFunc) Advise(ctx context.Context, req Request) ([]state.Proposal, error) {
	return f(ctx, req)
}

func adviseHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		ps, err := srv.(Server).Advise(ctx, requestFromStruct(req.(*structpb.Struct)))
		if err != nil {
			return nil, err
		}
		return encodeProposals(ps)
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: AdviseMethod}
	return interceptor(ctx, in, info, call)
}

// ServiceDesc describes the advisor service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Advise", Handler: adviseHandler},
	},
	Metadata: "evolution/v1/advisor.proto",
}

// RegisterServer attaches srv to a gRPC server.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}
// #endregion server
