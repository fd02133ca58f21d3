// Command repliqd runs one process's share of a replicated object: it
// serves a transport.Forwarder so peers can reach whatever it exports, and
// optionally self-bootstraps a fresh single-node cluster to make local
// experimentation and repliqctl smoke tests possible without a separate
// coordinator process. It plays the role cmd/keyval played for the
// teacher's Raft node, generalised from one hardcoded state machine and
// consensus protocol to whichever config.ProtocolTag/SMModule a config.Config
// names.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mkuznets/repliq/pkg/client"
	"github.com/mkuznets/repliq/pkg/config"
	"github.com/mkuznets/repliq/pkg/kv"
	"github.com/mkuznets/repliq/pkg/messaging"
	"github.com/mkuznets/repliq/pkg/protocol"
	"github.com/mkuznets/repliq/pkg/protocol/chain"
	"github.com/mkuznets/repliq/pkg/protocol/primarybackup"
	"github.com/mkuznets/repliq/pkg/protocol/quorum"
	"github.com/mkuznets/repliq/pkg/protocol/singleton"
	"github.com/mkuznets/repliq/pkg/replica"
	"github.com/mkuznets/repliq/pkg/storage"
	"github.com/mkuznets/repliq/pkg/transport"
)

// registry is this process's view of the protocol table, matching the one
// package client builds so a replica forked here behaves identically to
// one spawned by the client library.
var registry = protocol.NewRegistry(singleton.New(), primarybackup.New(), chain.New(), quorum.New())

var (
	name        = flag.String("name", "", "Name this node exports its bootstrapped replica under (required with -bootstrap)")
	addr        = flag.String("addr", "127.0.0.1:7000", "Address this node's Forwarder listens on")
	dataDir     = flag.String("data-dir", "./data", "Directory holding this node's snapshot archive")
	logLevel    = flag.String("log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	bootstrap   = flag.String("bootstrap", "", "Protocol to self-bootstrap a single-node cluster with: singleton, primary-backup, chain, or quorum. Leave empty to start unconfigured and wait for a remote Fork.")
	module      = flag.String("module", "kv", "State machine module to replicate (only kv is built in)")
	showVersion = flag.Bool("version", false, "Show version information")
)

const version = "0.1.0"

func protocolTag(name string) (config.ProtocolTag, error) {
	switch name {
	case "singleton":
		return config.Single, nil
	case "primary-backup":
		return config.PrimaryBackup, nil
	case "chain":
		return config.Chain, nil
	case "quorum":
		return config.Quorum, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", name)
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("repliqd version %s\n", version)
		os.Exit(0)
	}
	if *bootstrap != "" && *name == "" {
		fmt.Fprintf(os.Stderr, "Error: -name is required with -bootstrap\n")
		flag.Usage()
		os.Exit(1)
	}
	if *module != "kv" {
		fmt.Fprintf(os.Stderr, "Error: unknown -module %q (only kv is built in)\n", *module)
		os.Exit(1)
	}

	logger := log.New(os.Stdout, fmt.Sprintf("[%s] ", *addr), log.LstdFlags)
	logger.Printf("[INFO] repliqd %s starting (log-level %s)", version, *logLevel)

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		logger.Fatalf("[ERROR] create data dir %s: %v", *dataDir, err)
	}
	archive, err := storage.Open(filepath.Join(*dataDir, "snapshots.db"), 5)
	if err != nil {
		logger.Fatalf("[ERROR] open snapshot archive: %v", err)
	}
	defer archive.Close()

	local := newLocalReplicas(archive, logger)

	fwd := transport.NewForwarder(*addr, local.spawn, transport.WithLogger(logger))
	if err := fwd.Listen(); err != nil {
		logger.Fatalf("[ERROR] %v", err)
	}
	defer fwd.Close()

	if *bootstrap != "" {
		tag, err := protocolTag(*bootstrap)
		if err != nil {
			logger.Fatalf("[ERROR] %v", err)
		}
		conf, err := client.New(kv.NewFactory(), nil, tag, defaultArgsFor(tag), []transport.Node{transport.LocalNode}, 200*time.Millisecond)
		if err != nil {
			logger.Fatalf("[ERROR] bootstrap: %v", err)
		}
		local.own(*name, conf.Replicas[0])
		fwd.Export(*name, conf.Replicas[0])
		logger.Printf("[INFO] bootstrapped %q as %s replica v%d, exported at %s/%s", *name, tag, conf.Version, *addr, *name)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Printf("[INFO] received signal %v, shutting down", sig)

	local.snapshotAll(archive, logger)
	logger.Printf("[INFO] repliqd stopped")
}

func defaultArgsFor(tag config.ProtocolTag) interface{} {
	switch tag {
	case config.PrimaryBackup:
		return config.PrimaryBackupArgs{}
	case config.Chain:
		return config.ChainArgs{}
	case config.Quorum:
		return config.QuorumArgs{}
	default:
		return nil
	}
}

// localReplicas tracks the replica this process bootstrapped, so shutdown
// can export and archive it. Replicas created by spawn for a remote Fork
// are not tracked here and are not archived.
type localReplicas struct {
	byName map[string]messaging.Address
	logger *log.Logger
}

func newLocalReplicas(archive *storage.Archive, logger *log.Logger) *localReplicas {
	return &localReplicas{byName: make(map[string]messaging.Address), logger: logger}
}

func (l *localReplicas) own(name string, addr messaging.Address) {
	l.byName[name] = addr
}

// spawn implements transport.SpawnHandler: it materialises a fresh replica
// from a snapshot handed over by a remote peer's ForkCmd and hands its
// address back so the Forwarder can export it under a name of its own
// choosing.
func (l *localReplicas) spawn(ctx context.Context, tag config.ProtocolTag, smModule config.SMModule, snapshot []byte) (messaging.Address, error) {
	if smModule != "" && smModule != "kv" {
		return messaging.None, fmt.Errorf("repliqd: unknown state machine module %q", smModule)
	}
	addr, forked := replica.New(fmt.Sprintf("forked-%s", tag), registry, kv.NewFactory(), nil, replica.WithLogger(l.logger))
	_ = forked
	messaging.Cast(messaging.None, addr, replica.ImportCmd{Data: snapshot})
	return addr, nil
}

// snapshotAll asks every locally owned replica to export itself and
// archives the result under version 0. repliqd itself does not read the
// archive back on start.
func (l *localReplicas) snapshotAll(archive *storage.Archive, logger *log.Logger) {
	for name, addr := range l.byName {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		resp, err := messaging.Call(ctx, messaging.None, addr, replica.ExportCmd{}, 50*time.Millisecond)
		cancel()
		if err != nil {
			logger.Printf("[ERROR] export %s: %v", name, err)
			continue
		}
		data, ok := resp.([]byte)
		if !ok {
			logger.Printf("[ERROR] export %s: unexpected reply %T", name, resp)
			continue
		}
		if err := archive.Save(name, 0, data); err != nil {
			logger.Printf("[ERROR] archive %s: %v", name, err)
			continue
		}
		logger.Printf("[INFO] archived snapshot for %s (%d bytes)", name, len(data))
	}
}
