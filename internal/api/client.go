package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-autopilot/internal/config"
)

// Client calls a running autopilot over gRPC.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to address. Without options the connection is plaintext.
func Dial(address string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	return c.invokeStruct(ctx, method, in)
}

func (c *Client) invokeStruct(ctx context.Context, method string, in *structpb.Struct) (map[string]any, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// TriggerCycle runs one autonomous cycle.
func (c *Client) TriggerCycle(ctx context.Context) (map[string]any, error) {
	return c.invoke(ctx, MethodTriggerCycle, nil)
}

// Monitoring sends a lifecycle request: start, stop, pause or resume.
func (c *Client) Monitoring(ctx context.Context, op string) (map[string]any, error) {
	var method string
	switch op {
	case "start":
		method = MethodStartMonitoring
	case "stop":
		method = MethodStopMonitoring
	case "pause":
		method = MethodPauseMonitoring
	case "resume":
		method = MethodResumeMonitoring
	default:
		return nil, fmt.Errorf("unknown monitoring operation %q", op)
	}
	return c.invoke(ctx, method, nil)
}

// Status fetches get-status.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	return c.invoke(ctx, MethodGetStatus, nil)
}

// Configure applies a runtime settings update.
func (c *Client) Configure(ctx context.Context, u config.SettingsUpdate) (map[string]any, error) {
	in, err := ToProtoSettingsUpdate(u)
	if err != nil {
		return nil, fmt.Errorf("encode configure request: %w", err)
	}
	return c.invokeStruct(ctx, MethodConfigure, in)
}

// Approve executes a pending decision.
func (c *Client) Approve(ctx context.Context, id, note string) (map[string]any, error) {
	return c.invoke(ctx, MethodApproveDecision, map[string]any{"id": id, "note": note})
}

// Reject discards a pending decision.
func (c *Client) Reject(ctx context.Context, id, reason string) (map[string]any, error) {
	return c.invoke(ctx, MethodRejectDecision, map[string]any{"id": id, "reason": reason})
}

// Pending lists the approval queue.
func (c *Client) Pending(ctx context.Context) (map[string]any, error) {
	return c.invoke(ctx, MethodListPending, nil)
}

// SetKillSwitch engages or releases the kill switch.
func (c *Client) SetKillSwitch(ctx context.Context, engaged bool) (map[string]any, error) {
	return c.invoke(ctx, MethodSetKillSwitch, map[string]any{"engaged": engaged})
}
