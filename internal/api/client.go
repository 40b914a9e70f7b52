package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the daemon's sync service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient("unix://"+socketPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary method with the given request fields.
func (c *Client) Call(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	if req == nil {
		req = map[string]any{}
	}
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	return c.Call(ctx, MethodGetStatus, nil)
}

func (c *Client) ListChannels(ctx context.Context) (*structpb.Struct, error) {
	return c.Call(ctx, MethodListChannels, nil)
}

func (c *Client) Channel(ctx context.Context, id string) (*structpb.Struct, error) {
	return c.Call(ctx, MethodGetChannel, map[string]any{"channel": id})
}

func (c *Client) Initialize(ctx context.Context, id string) (*structpb.Struct, error) {
	return c.Call(ctx, MethodInitialize, map[string]any{"channel": id})
}

// Sync runs an incremental pass. An empty overlap uses the daemon default.
func (c *Client) Sync(ctx context.Context, id, overlap string) (*structpb.Struct, error) {
	req := map[string]any{"channel": id}
	if overlap != "" {
		req["overlap"] = overlap
	}
	return c.Call(ctx, MethodSync, req)
}

func (c *Client) Backfill(ctx context.Context, id string) (*structpb.Struct, error) {
	return c.Call(ctx, MethodBackfill, map[string]any{"channel": id})
}

func (c *Client) Reindex(ctx context.Context) (*structpb.Struct, error) {
	return c.Call(ctx, MethodReindex, nil)
}

// AckIndex acknowledges every index entry up to and including upTo.
func (c *Client) AckIndex(ctx context.Context, upTo int64) (*structpb.Struct, error) {
	return c.Call(ctx, MethodAckIndexEvents, map[string]any{"upTo": upTo})
}

// Watch opens the event stream. prefix filters event kinds and may be empty.
func (c *Client) Watch(ctx context.Context, prefix string) (grpc.ServerStreamingClient[structpb.Struct], error) {
	return c.openStream(ctx, &SyncServiceDesc.Streams[0], map[string]any{"prefix": prefix})
}

// WatchIndex streams unacknowledged index entries with a sequence number
// above after, then follows new ones.
func (c *Client) WatchIndex(ctx context.Context, after int64) (grpc.ServerStreamingClient[structpb.Struct], error) {
	return c.openStream(ctx, &SyncServiceDesc.Streams[1], map[string]any{"after": after})
}

func (c *Client) openStream(ctx context.Context, desc *grpc.StreamDesc, req map[string]any) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.conn.NewStream(ctx, desc, fullMethod(desc.StreamName))
	if err != nil {
		return nil, err
	}
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}, nil
}
