// Package replica runs one replicated object as a single-threaded actor:
// a dedicated goroutine owning a state-machine wrapper, a configuration,
// and a protocol's private state, dispatching every inbound envelope to
// the active protocol's HandleMsg and falling back to a fixed set of
// built-in operations (reconfigure, export/import, stop, fork) the same
// way regardless of which protocol is running.
package replica

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/mkuznets/repliq/pkg/config"
	"github.com/mkuznets/repliq/pkg/errs"
	"github.com/mkuznets/repliq/pkg/messaging"
	"github.com/mkuznets/repliq/pkg/protocol"
	"github.com/mkuznets/repliq/pkg/statemachine"
	"github.com/mkuznets/repliq/pkg/transport"
)

// Reconfigure asks a replica to accept a new configuration. Every recipient
// replies with a ReconfigureAck addressed at the envelope's own Ref/From, so
// callers reach it the ordinary way via messaging.Call/Multicall -- no
// separate addressing fields are needed on the payload itself.
type Reconfigure struct {
	NewConf config.Config
}

// ReconfigureAck is a replica's reply to Reconfigure: Err is empty on
// success (including the "stale, already applied" case, which is not an
// error from the caller's point of view).
type ReconfigureAck struct {
	Err string
}

// GetConf asks a replica to report its current configuration.
type GetConf struct{}

// StopCmd asks a replica to shut down cleanly.
type StopCmd struct {
	Reason string
}

// ExportCmd asks a replica to serialize its full snapshot (SM state plus
// protocol state).
type ExportCmd struct {
	Tag string
}

// ImportCmd asks a replica to replace its state with a previously exported
// snapshot.
type ImportCmd struct {
	Data []byte
}

// ForkCmd asks a replica to spawn a copy of itself, seeded from its current
// SM and protocol state, on node.
type ForkCmd struct {
	Node transport.Node
	Args interface{}
}

// Snapshot is the versioned envelope Export/Import serialize: protocol
// state flattened to bytes via proto.Export, prefixed with a small header
// naming the protocol and SM module it belongs to.
type Snapshot struct {
	Version    uint8
	Protocol   config.ProtocolTag
	SMModule   config.SMModule
	ProtoState []byte
	SMState    []byte
}

func init() {
	registerGob()
}

// RemoteSpawner spawns a replica on a remote node, seeded from an already
// exported snapshot, and returns the address it can be reached at. It is
// how Fork crosses process boundaries without this package depending on
// the gRPC transport directly (dependency inversion via a function value,
// installed with WithRemoteSpawner; transport.Forwarder.RemoteSpawn has
// this shape, though nothing in this repository installs one). ctx carries the
// Config.RemoteSpawnTimeout deadline the kernel applies around every call.
type RemoteSpawner func(ctx context.Context, node transport.Node, registryTag config.ProtocolTag, smModule config.SMModule, snapshot []byte) (messaging.Address, error)

// Option configures a Replica at construction time.
type Option func(*Replica)

// WithLogger overrides the default stderr logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Replica) { r.logger = logger }
}

// WithConfig overrides the default tunables (see Config).
func WithConfig(cfg *Config) Option {
	return func(r *Replica) { r.cfg = cfg }
}

// WithRemoteSpawner installs the callback ForkCmd uses to spawn on a
// non-local transport.Node.
func WithRemoteSpawner(spawn RemoteSpawner) Option {
	return func(r *Replica) { r.remoteSpawn = spawn }
}

// WithInitialConf starts the replica already bound to conf and protoArgs,
// skipping the neutral (unconfigured) state Fork otherwise starts in.
func WithInitialConf(conf config.Config, protoArgs interface{}) Option {
	return func(r *Replica) { r.pendingConf, r.pendingArgs = &conf, protoArgs }
}

// Replica is one replicated object's single-threaded actor.
type Replica struct {
	me       messaging.Address
	inbox    *messaging.Inbox
	registry *protocol.Registry

	smFactory statemachine.Factory
	smArgs    interface{}
	sm        *statemachine.Wrapper

	proto      protocol.Protocol
	protoState interface{}
	conf       config.Config
	hasConf    bool

	pendingConf *config.Config
	pendingArgs interface{}

	pendingProtoState []byte
	pendingProtoTag   config.ProtocolTag
	hasPendingState   bool

	remoteSpawn RemoteSpawner
	cfg         *Config
	logger      *log.Logger
	stopped     chan struct{}
}

// New constructs a replica bound to a fresh mailbox and starts its event
// loop goroutine. smArgs seeds the state machine as soon as the replica
// accepts its first configuration (or immediately, if WithInitialConf is
// given). name is used for logging and address rendering only.
func New(name string, registry *protocol.Registry, smFactory statemachine.Factory, smArgs interface{}, opts ...Option) (messaging.Address, *Replica) {
	addr, inbox := messaging.NewMailbox(name)
	r := &Replica{
		me:        addr,
		inbox:     inbox,
		registry:  registry,
		smFactory: smFactory,
		smArgs:    smArgs,
		cfg:       DefaultConfig(),
		logger:    log.New(os.Stderr, "", log.LstdFlags),
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	if r.pendingConf != nil {
		messaging.Cast(messaging.None, addr, Reconfigure{NewConf: *r.pendingConf})
	}
	return addr, r
}

// Address returns the mailbox this replica listens on.
func (r *Replica) Address() messaging.Address { return r.me }

// Stopped is closed once the replica's event loop has exited.
func (r *Replica) Stopped() <-chan struct{} { return r.stopped }

func (r *Replica) run() {
	defer close(r.stopped)
	for {
		env, ok := r.inbox.Recv()
		if !ok {
			return
		}
		if r.handle(env) {
			return
		}
	}
}

// handle processes one envelope and reports whether the replica should
// terminate its loop afterward.
func (r *Replica) handle(env messaging.Envelope) (exit bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("[ERROR] replica %s: recovered panic handling %T: %v -- stopping", r.me, env.Payload, rec)
			r.replyStopped(env)
			r.inbox.Close()
			exit = true
		}
	}()

	switch msg := env.Payload.(type) {
	case Reconfigure:
		return r.handleReconfigure(env.Ref, env.From, msg)
	case GetConf:
		messaging.Reply(env.From, env.Ref, r.me, r.conf)
		return false
	case StopCmd:
		r.handleStop(env.Ref, env.From, msg)
		return true
	case ExportCmd:
		r.handleExport(env.Ref, env.From, msg)
		return false
	case ImportCmd:
		r.handleImport(env.Ref, env.From, msg)
		return false
	case ForkCmd:
		r.handleFork(env.Ref, env.From, msg)
		return false
	}

	if !r.hasConf {
		if cmd, ok := env.Payload.(protocol.ClientCmd); ok {
			messaging.Reply(cmd.Client, cmd.Ref, r.me, errs.ErrNotInConfiguration)
		} else {
			r.logger.Printf("[ERROR] replica %s: message %T before first configuration", r.me, env.Payload)
		}
		return false
	}

	directive := r.proto.HandleMsg(r.me, env, true, r.sm, r.protoState)

	select {
	case <-r.sm.Stopped():
		// HandleCmd panicked inside the state machine's own goroutine
		// (pkg/statemachine.Wrapper recovers it there, since that is
		// where Machine code actually runs); the wrapper is dead and this
		// replica can no longer make progress.
		r.logger.Printf("[ERROR] replica %s: state machine stopped while handling %T -- stopping", r.me, env.Payload)
		r.replyStopped(env)
		r.inbox.Close()
		return true
	default:
	}

	if !directive.Matched {
		r.logger.Printf("[ERROR] replica %s: unhandled message %T", r.me, env.Payload)
		return false
	}
	if directive.StateChanged {
		r.protoState = directive.NewState
	}
	return false
}

// replyStopped tells whoever is waiting on env a terminal ErrReplicaStopped,
// addressing a wrapped protocol.ClientCmd's own client/ref pair when present
// (client code waits on that Ref, not the outer envelope's) and the envelope's
// own From/Ref otherwise.
func (r *Replica) replyStopped(env messaging.Envelope) {
	if cmd, ok := env.Payload.(protocol.ClientCmd); ok {
		messaging.Reply(cmd.Client, cmd.Ref, r.me, errs.ErrReplicaStopped)
		return
	}
	messaging.Reply(env.From, env.Ref, r.me, errs.ErrReplicaStopped)
}

func (r *Replica) handleReconfigure(ref messaging.Ref, from messaging.Address, msg Reconfigure) (exit bool) {
	ack := func(errMsg string) {
		messaging.Reply(from, ref, r.me, ReconfigureAck{Err: errMsg})
	}

	newConf := msg.NewConf
	if r.hasConf && newConf.Version <= r.conf.Version {
		r.logger.Printf("[INFO] replica %s: ignoring stale configuration v%d (have v%d)", r.me, newConf.Version, r.conf.Version)
		ack("")
		return false
	}

	proto, err := r.registry.Lookup(newConf.Protocol)
	if err != nil {
		r.logger.Printf("[ERROR] replica %s: %v", r.me, err)
		ack(err.Error())
		return false
	}

	if r.sm == nil {
		r.sm = statemachine.NewWrapper(r.smFactory(), r.smArgs)
	}

	switch {
	case !r.hasConf && r.hasPendingState && r.pendingProtoTag == newConf.Protocol:
		// Seeded by a prior Fork: resume the source replica's protocol
		// state (unstable tables and all) rather than starting fresh.
		r.protoState = proto.Import(r.pendingProtoState)
		r.hasPendingState = false
	case !r.hasConf:
		r.protoState = proto.InitReplica(r.me, newConf, r.pendingArgs)
	default:
		r.protoState = proto.UpdateState(r.me, newConf, r.protoState)
	}
	r.proto = proto
	r.conf = newConf
	r.hasConf = true

	if !newConf.Contains(r.me) {
		r.logger.Printf("[INFO] replica %s: not a member of v%d, stopping", r.me, newConf.Version)
		r.sm.Stop("reconfiguration")
		ack("")
		r.inbox.Close()
		return true
	}
	r.logger.Printf("[INFO] replica %s installed configuration version %d", r.me, newConf.Version)
	ack("")
	return false
}

func (r *Replica) handleStop(ref messaging.Ref, from messaging.Address, msg StopCmd) {
	if r.sm != nil {
		r.sm.Stop(msg.Reason)
	}
	messaging.Reply(from, ref, r.me, struct{}{})
	r.inbox.Close()
	r.logger.Printf("[INFO] replica %s: stopped (%s)", r.me, msg.Reason)
}

func (r *Replica) handleExport(ref messaging.Ref, from messaging.Address, msg ExportCmd) {
	snap := Snapshot{Version: 1}
	if r.hasConf {
		snap.Protocol = r.conf.Protocol
		snap.SMModule = r.conf.SMModule
		snap.ProtoState = r.proto.Export(r.protoState)
	}
	if r.sm != nil {
		if msg.Tag == "" {
			snap.SMState = r.sm.Export()
		} else {
			snap.SMState = r.sm.ExportTag(msg.Tag)
		}
	}
	messaging.Reply(from, ref, r.me, protocol.GobEncode(snap))
}

func (r *Replica) handleImport(ref messaging.Ref, from messaging.Address, msg ImportCmd) {
	var snap Snapshot
	protocol.GobDecode(msg.Data, &snap)

	if r.sm == nil {
		r.sm = statemachine.NewWrapper(r.smFactory(), r.smArgs)
	}
	r.sm.Import(snap.SMState)

	if r.hasConf {
		r.protoState = r.proto.Import(snap.ProtoState)
	} else {
		// No protocol identity yet -- likely a fork target. Buffer the
		// bytes until the first Reconfigure names the protocol they
		// belong to.
		r.pendingProtoState = snap.ProtoState
		r.pendingProtoTag = snap.Protocol
		r.hasPendingState = true
	}

	messaging.Reply(from, ref, r.me, struct{}{})
}

func (r *Replica) handleFork(ref messaging.Ref, from messaging.Address, msg ForkCmd) {
	snap := Snapshot{Version: 1}
	if r.hasConf {
		snap.Protocol = r.conf.Protocol
		snap.SMModule = r.conf.SMModule
		snap.ProtoState = r.proto.Export(r.protoState)
	}
	if r.sm != nil {
		snap.SMState = r.sm.Export()
	}
	data := protocol.GobEncode(snap)

	if msg.Node.Local {
		addr, forked := New(r.me.String()+"-fork", r.registry, r.smFactory, r.smArgs)
		forked.importSnapshot(data)
		messaging.Reply(from, ref, r.me, addr)
		return
	}

	if r.remoteSpawn == nil {
		messaging.Reply(from, ref, r.me, fmt.Errorf("replica: no remote spawner configured for node %s", msg.Node.Addr))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RemoteSpawnTimeout)
	defer cancel()
	addr, err := r.remoteSpawn(ctx, msg.Node, snap.Protocol, snap.SMModule, data)
	if err != nil {
		messaging.Reply(from, ref, r.me, err)
		return
	}
	messaging.Reply(from, ref, r.me, addr)
}

// importSnapshot casts an ImportCmd carrying data to this replica's own
// mailbox -- used only for same-process Fork, before the forked replica's
// address has been handed to anyone else.
func (r *Replica) importSnapshot(data []byte) {
	messaging.Cast(messaging.None, r.me, ImportCmd{Data: data})
}
