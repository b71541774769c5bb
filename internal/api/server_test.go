package api

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-autopilot/internal/config"
)

type rpcStub struct {
	AutopilotServer
	engaged bool
}

func (s *rpcStub) SetKillSwitch(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	engaged, err := FromProtoKillSwitch(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	prev := s.engaged
	s.engaged = engaged
	return ToProtoKillSwitch(engaged, prev)
}

func (s *rpcStub) TriggerCycle(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	panic("boom")
}

func startServer(t *testing.T, svc AutopilotServer) *Client {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServerWithListener(config.ServerConfig{}, lis, svc, nil)
	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	client, err := Dial(srv.Address())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestServerRoundTrip(t *testing.T) {
	stub := &rpcStub{}
	client := startServer(t, stub)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := client.SetKillSwitch(ctx, true)
	if err != nil {
		t.Fatalf("set kill switch: %v", err)
	}
	if out["engaged"] != true || out["previous"] != false {
		t.Fatalf("unexpected response %v", out)
	}
	if !stub.engaged {
		t.Fatalf("server did not receive request")
	}
}

func TestServerRecoversPanics(t *testing.T) {
	client := startServer(t, &rpcStub{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.TriggerCycle(ctx)
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestGracefulTimeoutDefault(t *testing.T) {
	s := &Server{}
	if s.GracefulTimeout() != 10*time.Second {
		t.Fatalf("unexpected default %s", s.GracefulTimeout())
	}
}
