package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mkuznets/repliq/pkg/config"
	"github.com/mkuznets/repliq/pkg/messaging"
	"github.com/mkuznets/repliq/pkg/protocol"
)

// SpawnHandler materialises a replica from a snapshot handed to a Forwarder
// by a remote peer's ForkCmd, and returns its local address. cmd/repliqd
// supplies one built on replica.New + a snapshot import, kept out of this
// package to avoid an import cycle (pkg/replica already imports
// pkg/transport for Node and RemoteSpawner).
type SpawnHandler func(ctx context.Context, tag config.ProtocolTag, smModule config.SMModule, snapshot []byte) (messaging.Address, error)

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithLogger overrides the default stderr logger.
func WithLogger(logger *log.Logger) Option {
	return func(f *Forwarder) { f.logger = logger }
}

// WithRPCTimeout overrides the default per-call deadline applied when no
// deadline is already set on the caller's context.
func WithRPCTimeout(d time.Duration) Option {
	return func(f *Forwarder) { f.rpcTimeout = d }
}

type proxyKey struct{ node, name string }

// Forwarder is a process's gateway onto the rest of the cluster: it serves
// envelopes addressed to this process's exported mailboxes over gRPC, and
// gives out local proxy Addresses that forward sends to mailboxes exported
// by other processes' Forwarders. It holds no replication state of its
// own -- only the address-translation table needed to make a
// messaging.Address meaningful across a process boundary, mirroring the
// role pkg/rpc's Client/Server pair plays for the teacher's Raft peers,
// generalised from typed protobuf RPCs to arbitrary gob-registered values.
type Forwarder struct {
	mu     sync.RWMutex
	addr   string
	logger *log.Logger

	rpcTimeout time.Duration

	server   *grpc.Server
	listener net.Listener
	conns    map[string]*grpc.ClientConn

	exported    map[string]messaging.Address
	exportedRev map[messaging.Address]string
	proxies     map[proxyKey]messaging.Address
	proxyOrigin map[messaging.Address]proxyKey
	exportSeq   uint64

	spawnFn SpawnHandler
}

// NewForwarder returns a Forwarder that will listen on addr once Listen is
// called. spawn may be nil for a Forwarder that only ever originates
// traffic (e.g. an administrative CLI process with no local replicas).
func NewForwarder(addr string, spawn SpawnHandler, opts ...Option) *Forwarder {
	f := &Forwarder{
		addr:        addr,
		logger:      log.New(os.Stderr, "", log.LstdFlags),
		rpcTimeout:  2 * time.Second,
		conns:       make(map[string]*grpc.ClientConn),
		exported:    make(map[string]messaging.Address),
		exportedRev: make(map[messaging.Address]string),
		proxies:     make(map[proxyKey]messaging.Address),
		proxyOrigin: make(map[messaging.Address]proxyKey),
		spawnFn:     spawn,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Addr returns the address this Forwarder listens on.
func (f *Forwarder) Addr() string { return f.addr }

// Listen starts serving the Forwarder service on f.Addr().
func (f *Forwarder) Listen() error {
	lis, err := net.Listen("tcp", f.addr)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", f.addr, err)
	}
	srv := grpc.NewServer(grpc.ForceServerCodec(gobCodec{}))
	srv.RegisterService(&serviceDesc, f)

	f.mu.Lock()
	f.listener = lis
	f.server = srv
	f.mu.Unlock()

	go func() {
		if err := srv.Serve(lis); err != nil {
			f.logger.Printf("[ERROR] transport: serve %s: %v", f.addr, err)
		}
	}()
	f.logger.Printf("[INFO] transport: listening on %s", f.addr)
	return nil
}

// Close stops serving and drops every outbound connection this Forwarder
// opened.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.server != nil {
		f.server.GracefulStop()
		f.server = nil
	}
	for addr, conn := range f.conns {
		conn.Close()
		delete(f.conns, addr)
	}
	return nil
}

// Export makes addr reachable by remote Forwarders under name, i.e. at
// (f.Addr(), name). Names are chosen by the caller for replicas it spawned
// locally at startup, and minted by Forwarder itself for replicas spawned
// on demand via Spawn.
func (f *Forwarder) Export(name string, addr messaging.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exported[name] = addr
	f.exportedRev[addr] = name
}

// Unexport withdraws a name, e.g. once StopCmd has stopped the replica it
// named.
func (f *Forwarder) Unexport(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if addr, ok := f.exported[name]; ok {
		delete(f.exportedRev, addr)
	}
	delete(f.exported, name)
}

// Proxy returns a local Address that forwards every send to the mailbox
// exported as name by the Forwarder listening at nodeAddr. Repeated calls
// for the same (nodeAddr, name) return the same Address.
func (f *Forwarder) Proxy(nodeAddr, name string) messaging.Address {
	key := proxyKey{nodeAddr, name}
	f.mu.Lock()
	defer f.mu.Unlock()
	if addr, ok := f.proxies[key]; ok {
		return addr
	}
	addr := messaging.NewForwardingMailbox(name, func(e messaging.Envelope) {
		f.deliverRemote(nodeAddr, name, e)
	})
	f.proxies[key] = addr
	f.proxyOrigin[addr] = key
	return addr
}

// RemoteSpawn implements replica.RemoteSpawner: it asks the Forwarder
// listening at node.Addr to materialise a replica from snapshot and returns
// a local proxy Address for the result.
func (f *Forwarder) RemoteSpawn(ctx context.Context, node Node, tag config.ProtocolTag, smModule config.SMModule, snapshot []byte) (messaging.Address, error) {
	if node.Local {
		return messaging.None, fmt.Errorf("transport: RemoteSpawn called with a local node")
	}
	conn, err := f.dial(node.Addr)
	if err != nil {
		return messaging.None, fmt.Errorf("transport: dial %s: %w", node.Addr, err)
	}
	req := &spawnRequest{Protocol: tag, SMModule: smModule, Snapshot: snapshot}
	reply := new(spawnReply)
	if err := conn.Invoke(ctx, "/repliq.transport.Forwarder/Spawn", req, reply); err != nil {
		return messaging.None, fmt.Errorf("transport: spawn on %s: %w", node.Addr, err)
	}
	if reply.Err != "" {
		return messaging.None, fmt.Errorf("transport: spawn on %s: %s", node.Addr, reply.Err)
	}
	return f.Proxy(node.Addr, reply.Name), nil
}

// Call sends req to dst and blocks for a matching reply, retransmitting
// every retry interval until ctx is cancelled. It cannot delegate to
// messaging.Call: that helper's own scratch reply mailbox is never
// exported on any Forwarder, so a reply crossing back from a different
// process would have nowhere resolvable to be delivered (see
// addressToWire). Call exports a fresh mailbox of its own for the lifetime
// of one request instead, mirroring the private-mailbox-per-call pattern
// messaging.Call uses in-process.
func (f *Forwarder) Call(ctx context.Context, dst messaging.Address, req interface{}, retry time.Duration) (interface{}, error) {
	addr, in := messaging.NewMailbox("forwarder-call")
	name := fmt.Sprintf("call-%d", atomic.AddUint64(&f.exportSeq, 1))
	f.Export(name, addr)
	defer func() {
		f.Unexport(name)
		in.Close()
	}()

	ref := messaging.NewRef()
	messaging.Reply(dst, ref, addr, req)

	ticker := time.NewTicker(retry)
	defer ticker.Stop()
	for {
		resp, err := messaging.Collect(in, ref, retry)
		if err == nil {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			messaging.Reply(dst, ref, addr, req)
		}
	}
}

func (f *Forwarder) dial(addr string) (*grpc.ClientConn, error) {
	f.mu.RLock()
	conn, ok := f.conns[addr]
	f.mu.RUnlock()
	if ok {
		return conn, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if conn, ok := f.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(gobCodec{})),
	)
	if err != nil {
		return nil, err
	}
	f.conns[addr] = conn
	return conn, nil
}

func (f *Forwarder) deliverRemote(nodeAddr, name string, e messaging.Envelope) {
	conn, err := f.dial(nodeAddr)
	if err != nil {
		f.logger.Printf("[ERROR] transport: dial %s: %v", nodeAddr, err)
		return
	}

	req := &wireEnvelope{Ref: string(e.Ref), ToName: name}

	payload := e.Payload
	switch p := payload.(type) {
	case protocol.ClientCmd:
		req.ClientNode, req.ClientName = f.addressToWire(p.Client)
		p.Client = messaging.None
		payload = p
	case struct{}:
		payload = wireEmptyAck{}
	case error:
		payload = wireError{Msg: p.Error()}
	}
	// Encoded through a pointer so gob writes it as an interface value,
	// which is what deliver decodes it into.
	data, err := (gobCodec{}).Marshal(&payload)
	if err != nil {
		f.logger.Printf("[ERROR] transport: encode payload bound for %s/%s: %v", nodeAddr, name, err)
		return
	}
	req.Payload = data
	req.FromNode, req.FromName = f.addressToWire(e.From)
	reply := new(wireAck)

	ctx, cancel := context.WithTimeout(context.Background(), f.rpcTimeout)
	defer cancel()
	if err := conn.Invoke(ctx, "/repliq.transport.Forwarder/Deliver", req, reply); err != nil {
		f.logger.Printf("[ERROR] transport: deliver to %s/%s: %v", nodeAddr, name, err)
		return
	}
	if reply.Err != "" {
		f.logger.Printf("[ERROR] transport: %s/%s rejected delivery: %s", nodeAddr, name, reply.Err)
	}
}

// addressToWire renders addr as the (node, name) pair a peer Forwarder can
// resolve. It returns ("", "") for None and for addresses this Forwarder
// has no name for -- a private scratch mailbox (e.g. messaging.Call's own)
// that was never Exported cannot be reached from another process, so a
// reply routed through it is dropped there instead of here.
func (f *Forwarder) addressToWire(addr messaging.Address) (string, string) {
	if addr.IsZero() {
		return "", ""
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if name, ok := f.exportedRev[addr]; ok {
		return f.addr, name
	}
	if key, ok := f.proxyOrigin[addr]; ok {
		return key.node, key.name
	}
	return "", ""
}

func (f *Forwarder) wireToAddress(node, name string) messaging.Address {
	if node == "" && name == "" {
		return messaging.None
	}
	if node == f.addr {
		f.mu.RLock()
		addr, ok := f.exported[name]
		f.mu.RUnlock()
		if ok {
			return addr
		}
		return messaging.None
	}
	return f.Proxy(node, name)
}

// deliver implements forwarderServer.
func (f *Forwarder) deliver(ctx context.Context, in *wireEnvelope) (*wireAck, error) {
	f.mu.RLock()
	dst, ok := f.exported[in.ToName]
	f.mu.RUnlock()
	if !ok {
		return &wireAck{Err: fmt.Sprintf("transport: no mailbox exported as %q", in.ToName)}, nil
	}

	var payload interface{}
	if len(in.Payload) > 0 {
		if err := (gobCodec{}).Unmarshal(in.Payload, &payload); err != nil {
			return &wireAck{Err: fmt.Sprintf("transport: decode payload: %v", err)}, nil
		}
	}
	if cmd, ok := payload.(protocol.ClientCmd); ok {
		cmd.Client = f.wireToAddress(in.ClientNode, in.ClientName)
		payload = cmd
	}

	from := f.wireToAddress(in.FromNode, in.FromName)
	messaging.Inject(dst, messaging.Envelope{Ref: messaging.Ref(in.Ref), From: from, Payload: payload})
	return &wireAck{}, nil
}

// spawn implements forwarderServer.
func (f *Forwarder) spawn(ctx context.Context, in *spawnRequest) (*spawnReply, error) {
	if f.spawnFn == nil {
		return &spawnReply{Err: "transport: no spawn handler configured on this node"}, nil
	}
	addr, err := f.spawnFn(ctx, in.Protocol, in.SMModule, in.Snapshot)
	if err != nil {
		return &spawnReply{Err: err.Error()}, nil
	}
	name := fmt.Sprintf("forked-%d", atomic.AddUint64(&f.exportSeq, 1))
	f.Export(name, addr)
	return &spawnReply{Name: name}, nil
}
