// Package grpcpeer is the production peer transport: every RPC in
// transport is exposed as a unary gRPC method on the agency.Consensus
// service. Messages travel as gob rather than protobuf — the argument
// structs embed logstore.Entry and the store's tagged values, which
// already have a canonical gob form shared with the durable log, so
// one codec covers disk and wire. The codec is registered under its
// own content subtype; clients opt in per call.
package grpcpeer

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/arangodb/agency/pkg/transport"
)

const (
	codecName   = "agency-gob"
	serviceName = "agency.Consensus"
)

type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// Server exposes a node's ConsensusServer and GossipServer over gRPC.
type Server struct {
	srv      *grpc.Server
	listener net.Listener
	log      zerolog.Logger
}

// NewServer binds addr and serves consensus (and, when gossip is
// non-nil, bootstrap gossip) RPCs until Stop.
func NewServer(addr string, consensus transport.ConsensusServer, gossip transport.GossipServer, log zerolog.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpcpeer: listen %s: %w", addr, err)
	}

	s := &Server{
		srv:      grpc.NewServer(),
		listener: listener,
		log:      log.With().Str("component", "grpcpeer").Logger(),
	}
	s.srv.RegisterService(serviceDesc(consensus, gossip), nil)

	go func() {
		if err := s.srv.Serve(listener); err != nil {
			s.log.Error().Err(err).Msg("grpc server stopped")
		}
	}()
	return s, nil
}

func (s *Server) Addr() string { return s.listener.Addr().String() }

func (s *Server) Stop() {
	s.srv.GracefulStop()
}

// serviceDesc hand-assembles the service the way generated bindings
// would, one unary method per RPC shape.
func serviceDesc(consensus transport.ConsensusServer, gossip transport.GossipServer) *grpc.ServiceDesc {
	methods := []grpc.MethodDesc{
		{
			MethodName: "RequestVote",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				var args transport.RequestVoteArgs
				if err := dec(&args); err != nil {
					return nil, err
				}
				return consensus.HandleRequestVote(ctx, args), nil
			},
		},
		{
			MethodName: "AppendEntries",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				var args transport.AppendEntriesArgs
				if err := dec(&args); err != nil {
					return nil, err
				}
				return consensus.HandleAppendEntries(ctx, args), nil
			},
		},
		{
			MethodName: "InstallSnapshot",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				var args transport.InstallSnapshotArgs
				if err := dec(&args); err != nil {
					return nil, err
				}
				return consensus.HandleInstallSnapshot(ctx, args), nil
			},
		},
		{
			MethodName: "NotifyAll",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				var args transport.NotifyAllArgs
				if err := dec(&args); err != nil {
					return nil, err
				}
				return consensus.HandleNotifyAll(ctx, args), nil
			},
		},
		{
			MethodName: "Gossip",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				var args transport.GossipArgs
				if err := dec(&args); err != nil {
					return nil, err
				}
				if gossip == nil {
					return transport.GossipReply{}, nil
				}
				return gossip.HandleGossip(ctx, args), nil
			},
		},
	}
	return &grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*interface{})(nil),
		Methods:     methods,
	}
}

// Client implements transport.Peer over gRPC connections resolved from
// a peer-id -> endpoint map kept current by the cluster manager.
type Client struct {
	mu        sync.Mutex
	conns     map[string]*grpc.ClientConn
	endpoints func(peerID string) (string, bool)
	log       zerolog.Logger
}

// NewClient builds a peer client. endpoints resolves a peer id to its
// dialable address at call time, so membership changes need no client
// rebuild.
func NewClient(endpoints func(peerID string) (string, bool), log zerolog.Logger) *Client {
	return &Client{
		conns:     make(map[string]*grpc.ClientConn),
		endpoints: endpoints,
		log:       log.With().Str("component", "grpcpeer").Logger(),
	}
}

func (c *Client) conn(ctx context.Context, peerID string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	if conn, ok := c.conns[peerID]; ok {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	addr, ok := c.endpoints(peerID)
	if !ok {
		return nil, fmt.Errorf("grpcpeer: unknown peer %s", peerID)
	}

	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(dctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpcpeer: dial %s: %w", addr, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.conns[peerID]; ok {
		conn.Close()
		return existing, nil
	}
	c.conns[peerID] = conn
	return conn, nil
}

// Close tears down every cached connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		conn.Close()
	}
	c.conns = make(map[string]*grpc.ClientConn)
}

func (c *Client) invoke(ctx context.Context, peerID, method string, args, reply interface{}) error {
	conn, err := c.conn(ctx, peerID)
	if err != nil {
		return err
	}
	return conn.Invoke(ctx, "/"+serviceName+"/"+method, args, reply, grpc.CallContentSubtype(codecName))
}

func (c *Client) RequestVote(ctx context.Context, peerID string, args transport.RequestVoteArgs) (transport.RequestVoteReply, error) {
	var reply transport.RequestVoteReply
	err := c.invoke(ctx, peerID, "RequestVote", &args, &reply)
	return reply, err
}

func (c *Client) AppendEntries(ctx context.Context, peerID string, args transport.AppendEntriesArgs) (transport.AppendEntriesReply, error) {
	var reply transport.AppendEntriesReply
	err := c.invoke(ctx, peerID, "AppendEntries", &args, &reply)
	return reply, err
}

func (c *Client) InstallSnapshot(ctx context.Context, peerID string, args transport.InstallSnapshotArgs) (transport.InstallSnapshotReply, error) {
	var reply transport.InstallSnapshotReply
	err := c.invoke(ctx, peerID, "InstallSnapshot", &args, &reply)
	return reply, err
}

func (c *Client) Gossip(ctx context.Context, peerID string, args transport.GossipArgs) (transport.GossipReply, error) {
	var reply transport.GossipReply
	err := c.invoke(ctx, peerID, "Gossip", &args, &reply)
	return reply, err
}

func (c *Client) NotifyAll(ctx context.Context, peerID string, args transport.NotifyAllArgs) (transport.NotifyAllReply, error) {
	var reply transport.NotifyAllReply
	err := c.invoke(ctx, peerID, "NotifyAll", &args, &reply)
	return reply, err
}
