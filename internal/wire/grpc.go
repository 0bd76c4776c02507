package wire

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"
)

// The gRPC transport carries the same messages as Stream over one
// bidirectional stream per node, encoded with the configured Codec instead
// of protobuf.
const (
	grpcServiceName = "quasar.NodeLink"
	grpcConnectPath = "/quasar.NodeLink/Connect"
)

// LinkHandler serves a node connection arriving over gRPC. HandleLink
// owns conn until it returns.
type LinkHandler interface {
	HandleLink(conn Conn) error
}

var nodeLinkDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*LinkHandler)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Connect",
		Handler:       connectHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "quasar/nodelink",
}

// grpcCodec adapts a Codec to gRPC's encoding.Codec.
type grpcCodec struct {
	codec Codec
}

func (c grpcCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(*Message)
	if !ok {
		return nil, fmt.Errorf("wire: cannot marshal %T", v)
	}
	return c.codec.Encode(m)
}

func (c grpcCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(*Message)
	if !ok {
		return fmt.Errorf("wire: cannot unmarshal into %T", v)
	}
	decoded, err := c.codec.Decode(data)
	if err != nil {
		return err
	}
	*m = *decoded
	return nil
}

func (c grpcCodec) Name() string { return c.codec.Name() }

// NewGRPCServer returns a gRPC server exposing h. Register further
// services or call Serve on the result.
func NewGRPCServer(codec Codec, h LinkHandler, opts ...grpc.ServerOption) *grpc.Server {
	if codec == nil {
		codec = JSONCodec{}
	}
	opts = append([]grpc.ServerOption{grpc.ForceServerCodec(grpcCodec{codec: codec})}, opts...)
	s := grpc.NewServer(opts...)
	s.RegisterService(&nodeLinkDesc, h)
	return s
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	conn := &grpcConn{stream: stream, ctx: ctx, cancel: cancel}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		conn.addr = p.Addr.String()
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.(LinkHandler).HandleLink(conn) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		// Closed locally or the client went away.
		return nil
	}
}

// grpcConn is a Conn over a gRPC stream, client or server side.
type grpcConn struct {
	stream interface {
		SendMsg(m any) error
		RecvMsg(m any) error
	}
	ctx    context.Context
	cancel context.CancelFunc
	addr   string
	client *grpc.ClientConn

	sendMu sync.Mutex
	once   sync.Once
}

func (c *grpcConn) Send(m *Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ctx.Err(); err != nil {
		return err
	}
	return c.stream.SendMsg(m)
}

func (c *grpcConn) Receive() (*Message, error) {
	m := new(Message)
	if err := c.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *grpcConn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		if c.client != nil {
			err = c.client.Close()
		}
	})
	return err
}

func (c *grpcConn) RemoteAddr() string { return c.addr }

// DialGRPC opens the node link stream to target, a gRPC dial target such
// as "host:port".
func DialGRPC(ctx context.Context, target string, codec Codec, opts ...grpc.DialOption) (Conn, error) {
	if codec == nil {
		codec = JSONCodec{}
	}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(grpcCodec{codec: codec})),
	}, opts...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client %s: %w", target, err)
	}

	// The stream outlives ctx, which only bounds its setup.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := cc.NewStream(streamCtx, &nodeLinkDesc.Streams[0], grpcConnectPath, grpc.WaitForReady(true))
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		cc.Close()
		return nil, fmt.Errorf("open node link %s: %w", target, err)
	}
	return &grpcConn{stream: stream, ctx: streamCtx, cancel: cancel, addr: target, client: cc}, nil
}
