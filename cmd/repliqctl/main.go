// Command repliqctl is a control-plane and data-plane CLI for talking to a
// single repliqd replica over the network, playing the role cmd/kvctl
// played for the teacher's Raft cluster. Unlike kvctl, every subcommand
// here issues a real request: repliqctl runs its own transport.Forwarder
// so a remote replica's reply has somewhere in this process to land (see
// Forwarder.Call), rather than printing a canned "request would be sent to
// X" placeholder.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mkuznets/repliq/pkg/config"
	"github.com/mkuznets/repliq/pkg/kv"
	"github.com/mkuznets/repliq/pkg/messaging"
	"github.com/mkuznets/repliq/pkg/protocol"
	"github.com/mkuznets/repliq/pkg/replica"
	"github.com/mkuznets/repliq/pkg/transport"
)

const usage = `repliqctl - control-plane and data-plane CLI for a repliq replica

Usage:
  repliqctl [flags] <command> [arguments]

Data Commands (kv module):
  get <key>              Read a value
  put <key> <value>       Write a value
  delete <key>            Remove a key

Administrative Commands:
  conf                    Show the target replica's configuration
  stop <reason>           Ask the target replica to shut down
  fork <node-addr>        Ask the target replica to spawn a copy at node-addr

Flags:
  -server <address>       Forwarder address hosting the target replica (default 127.0.0.1:7000)
  -replica <name>         Name the target replica is exported under on -server (required)
  -client-addr <address>  Address this CLI's own Forwarder listens on for replies (default 127.0.0.1:7999)
  -timeout <duration>     Overall request deadline (default 5s)
  -retry <duration>       Retransmit interval while waiting for a reply (default 200ms)

Examples:
  repliqctl -replica store put mykey myvalue
  repliqctl -replica store get mykey
  repliqctl -server 127.0.0.1:7001 -replica store conf
`

var (
	server      = flag.String("server", "127.0.0.1:7000", "Forwarder address hosting the target replica")
	replicaName = flag.String("replica", "", "Name the target replica is exported under on -server (required)")
	clientAddr  = flag.String("client-addr", "127.0.0.1:7999", "Address this CLI's own Forwarder listens on for replies")
	timeout     = flag.Duration("timeout", 5*time.Second, "Overall request deadline")
	retry       = flag.Duration("retry", 200*time.Millisecond, "Retransmit interval while waiting for a reply")
)

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if *replicaName == "" || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	fwd := transport.NewForwarder(*clientAddr, nil)
	if err := fwd.Listen(); err != nil {
		fmt.Fprintf(os.Stderr, "repliqctl: %v\n", err)
		os.Exit(1)
	}
	defer fwd.Close()

	target := fwd.Proxy(*server, *replicaName)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	args := flag.Args()
	cmd, rest := args[0], args[1:]

	var err error
	switch cmd {
	case "get":
		err = runGet(ctx, fwd, target, rest)
	case "put":
		err = runPut(ctx, fwd, target, rest)
	case "delete":
		err = runDelete(ctx, fwd, target, rest)
	case "conf":
		err = runConf(ctx, fwd, target)
	case "stop":
		err = runStop(ctx, fwd, target, rest)
	case "fork":
		err = runFork(ctx, fwd, target, rest)
	default:
		fmt.Fprintf(os.Stderr, "repliqctl: unknown command %q\n", cmd)
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "repliqctl: %v\n", err)
		os.Exit(1)
	}
}


// doKV sends a kv.Command directly to the target replica, wrapped in the
// protocol.ClientCmd envelope every replica kernel expects client work in.
// It does not replicate protocol.Protocol.Cast's routing decision (e.g.
// primary/backup's read-source policy, or chain's head/tail split): the
// operator names the exact replica to talk to on the command line, and a
// replica that is not the right one for cmd answers with its protocol's own
// routing reply (primary/backup's notPrimary, chain's notHead) instead of a
// kv.Reply, which doKV reports as an unexpected reply, rather than repliqctl
// silently picking a different target. A config.Config fetched from a remote GetConf
// cannot drive that decision here anyway -- its Replicas addresses are
// meaningful only in the process that produced them; only Envelope.From and
// protocol.ClientCmd.Client are translated across a Forwarder boundary (see
// DESIGN.md).
func doKV(ctx context.Context, fwd *transport.Forwarder, dst messaging.Address, c kv.Command) (kv.Reply, error) {
	req := protocol.ClientCmd{Cmd: c}
	resp, err := fwd.Call(ctx, dst, req, *retry)
	if err != nil {
		return kv.Reply{}, err
	}
	reply, ok := resp.(kv.Reply)
	if !ok {
		return kv.Reply{}, fmt.Errorf("unexpected reply %T", resp)
	}
	return reply, nil
}

func runGet(ctx context.Context, fwd *transport.Forwarder, dst messaging.Address, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: get <key>")
	}
	reply, err := doKV(ctx, fwd, dst, kv.Command{Type: kv.Get, Key: args[0]})
	if err != nil {
		return err
	}
	if reply.Err != "" {
		return fmt.Errorf("%s", reply.Err)
	}
	if !reply.Found {
		fmt.Println("(not found)")
		return nil
	}
	fmt.Println(string(reply.Value))
	return nil
}

func runPut(ctx context.Context, fwd *transport.Forwarder, dst messaging.Address, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: put <key> <value>")
	}
	reply, err := doKV(ctx, fwd, dst, kv.Command{Type: kv.Put, Key: args[0], Value: []byte(args[1])})
	if err != nil {
		return err
	}
	if reply.Err != "" {
		return fmt.Errorf("%s", reply.Err)
	}
	fmt.Println("OK")
	return nil
}

func runDelete(ctx context.Context, fwd *transport.Forwarder, dst messaging.Address, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: delete <key>")
	}
	reply, err := doKV(ctx, fwd, dst, kv.Command{Type: kv.Delete, Key: args[0]})
	if err != nil {
		return err
	}
	if reply.Err != "" {
		return fmt.Errorf("%s", reply.Err)
	}
	if !reply.Found {
		fmt.Println("(not found)")
		return nil
	}
	fmt.Println("OK")
	return nil
}

func runConf(ctx context.Context, fwd *transport.Forwarder, dst messaging.Address) error {
	resp, err := fwd.Call(ctx, dst, replica.GetConf{}, *retry)
	if err != nil {
		return err
	}
	conf, ok := resp.(config.Config)
	if !ok {
		return fmt.Errorf("unexpected reply %T", resp)
	}
	fmt.Printf("protocol:  %s\n", conf.Protocol)
	fmt.Printf("sm module: %s\n", conf.SMModule)
	fmt.Printf("version:   %d\n", conf.Version)
	fmt.Printf("replicas:  %d\n", conf.N())
	for i, addr := range conf.Replicas {
		fmt.Printf("  [%d] %s\n", i, addr)
	}
	return nil
}

func runStop(ctx context.Context, fwd *transport.Forwarder, dst messaging.Address, args []string) error {
	reason := "operator request"
	if len(args) > 0 {
		reason = args[0]
	}
	if _, err := fwd.Call(ctx, dst, replica.StopCmd{Reason: reason}, *retry); err != nil {
		return err
	}
	fmt.Println("stopped")
	return nil
}

func runFork(ctx context.Context, fwd *transport.Forwarder, dst messaging.Address, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: fork <node-addr>")
	}
	node := transport.RemoteNode(args[0])
	resp, err := fwd.Call(ctx, dst, replica.ForkCmd{Node: node}, *retry)
	if err != nil {
		return err
	}
	switch v := resp.(type) {
	case messaging.Address:
		fmt.Printf("forked onto %s: %s\n", args[0], v)
		return nil
	case error:
		return v
	default:
		return fmt.Errorf("unexpected reply %T", resp)
	}
}
