package core

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/encodeous/bristlemouth/dfu"
	"github.com/encodeous/bristlemouth/kv"
	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
	"github.com/spf13/pflag"
)

var ErrRequestTimeout = errors.New("request timed out")

// IPCGet sends one command line to the control socket and returns the response
func IPCGet(socket, cmd string) (string, error) {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	_, err = rw.WriteString(strings.TrimSpace(cmd) + "\n")
	if err != nil {
		return "", err
	}
	err = rw.Flush()
	if err != nil {
		return "", err
	}

	res, err := rw.ReadString(0)
	if err != nil && err != io.EOF {
		return "", err
	}
	res = strings.TrimSuffix(res, "\x00")
	if msg, ok := strings.CutPrefix(res, "error: "); ok {
		return "", errors.New(strings.TrimSpace(msg))
	}
	return res, nil
}

// Control serves the command line over a unix socket
type Control struct {
	ln   net.Listener
	done chan struct{}
}

func (c *Control) Init(s *state.State) error {
	c.done = make(chan struct{})
	if s.CtlSocket == "" {
		close(c.done)
		return nil
	}
	_ = os.Remove(s.CtlSocket)
	ln, err := net.Listen("unix", s.CtlSocket)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	c.ln = ln
	go c.serve(s.Env)
	return nil
}

func (c *Control) Cleanup(s *state.State) error {
	if c.ln == nil {
		return nil
	}
	err := c.ln.Close()
	<-c.done
	_ = os.Remove(s.CtlSocket)
	return err
}

func (c *Control) serve(e *state.Env) {
	defer close(c.done)
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				e.Log.Warn("control socket accept failed", "err", err)
			}
			return
		}
		go func() {
			defer conn.Close()
			rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
			if err := HandleIPC(e, rw); err != nil {
				e.Log.Debug("control command failed", "err", err)
			}
		}()
	}
}

// HandleIPC reads one command and writes its NUL terminated response
func HandleIPC(e *state.Env, rw *bufio.ReadWriter) error {
	line, err := rw.ReadString('\n')
	if err != nil {
		return err
	}
	sb := strings.Builder{}
	out, cmdErr := RunCommand(e, line)
	if cmdErr != nil {
		sb.WriteString("error: " + cmdErr.Error() + "\n")
	} else {
		sb.WriteString(out)
	}
	sb.WriteRune(0)
	if _, err := rw.WriteString(sb.String()); err != nil {
		return err
	}
	if err := rw.Flush(); err != nil {
		return err
	}
	return cmdErr
}

// await starts a correlated request on the main loop and blocks until its callback fires
func await[R any](e *state.Env, start func(s *state.State, cb func(*R)) error) (*R, error) {
	ch := make(chan *R, 1)
	_, err := e.DispatchWait(func(s *state.State) (any, error) {
		return nil, start(s, func(r *R) {
			select {
			case ch <- r:
			default:
			}
		})
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		if r == nil {
			return nil, ErrRequestTimeout
		}
		return r, nil
	case <-e.Context.Done():
		return nil, e.Context.Err()
	}
}

func nodeArg(args []string, i int) (state.NodeId, error) {
	if len(args) <= i {
		return 0, fmt.Errorf("missing node id")
	}
	return state.ParseNodeId(args[i])
}

// RunCommand executes one control command line
func RunCommand(e *state.Env, line string) (string, error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return "", fmt.Errorf("empty command")
	}
	switch args[0] {
	case "neighbors":
		res, err := e.DispatchWait(func(s *state.State) (any, error) {
			return PrintNeighbors(s), nil
		})
		if err != nil {
			return "", err
		}
		return res.(string), nil
	case "info":
		return cmdInfo(e, args[1:])
	case "ping":
		return cmdPing(e, args[1:])
	case "topo":
		return cmdTopo(e, args[1:])
	case "resources":
		return cmdResources(e, args[1:])
	case "time":
		return cmdTime(e, args[1:])
	case "cfg":
		return cmdCfg(e, args[1:])
	case "sub", "unsub", "pub":
		return cmdPubSub(e, args)
	case "dfu":
		return cmdDfu(e, args[1:])
	case "reboot":
		return cmdReboot(e, args[1:])
	}
	return "", fmt.Errorf("unknown command %s", args[0])
}

func cmdInfo(e *state.Env, args []string) (string, error) {
	node, err := nodeArg(args, 0)
	if err != nil {
		return "", err
	}
	reply, err := await(e, func(s *state.State, cb func(*protocol.InfoReply)) error {
		if node == s.Id {
			r := Get[*Info](s).LocalReply(s)
			cb(&r)
			return nil
		}
		Get[*Info](s).Request(s, node, protocol.MulticastGlobal, cb)
		return nil
	})
	if err != nil {
		return "", err
	}
	sb := strings.Builder{}
	sb.WriteString(fmt.Sprintf("node:     %s\n", reply.Node))
	sb.WriteString(fmt.Sprintf("vendor:   %04x\n", reply.Info.VendorId))
	sb.WriteString(fmt.Sprintf("product:  %04x\n", reply.Info.ProductId))
	sb.WriteString(fmt.Sprintf("serial:   %s\n", reply.Info.Serial))
	sb.WriteString(fmt.Sprintf("git sha:  %08x\n", reply.Info.GitSha))
	sb.WriteString(fmt.Sprintf("firmware: %s (%s)\n", reply.Info.FwVersion(), reply.VersionStr))
	sb.WriteString(fmt.Sprintf("hardware: %d\n", reply.Info.HwVersion))
	sb.WriteString(fmt.Sprintf("name:     %s\n", reply.DeviceName))
	return sb.String(), nil
}

func cmdReboot(e *state.Env, args []string) (string, error) {
	node, err := nodeArg(args, 0)
	if err != nil {
		return "", err
	}
	if node == e.Id {
		e.Restart("reboot requested from the cli")
		return "restarting\n", nil
	}
	_, err = await(e, func(s *state.State, cb func(*protocol.RebootReply)) error {
		return Get[*Reboot](s).Request(s, node, cb)
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s is restarting\n", node), nil
}

func cmdPing(e *state.Env, args []string) (string, error) {
	node, err := nodeArg(args, 0)
	if err != nil {
		return "", err
	}
	count := 1
	if len(args) > 1 {
		count, err = strconv.Atoi(args[1])
		if err != nil || count < 1 {
			return "", fmt.Errorf("invalid count %q", args[1])
		}
	}
	sb := strings.Builder{}
	for range count {
		res, err := await(e, func(s *state.State, cb func(*PingResult)) error {
			return Get[*Ping](s).Send(s, node, state.PingDefaultPayloadLen, cb)
		})
		if errors.Is(err, ErrRequestTimeout) {
			sb.WriteString(fmt.Sprintf("no reply from %s\n", node))
			continue
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(fmt.Sprintf("%d bytes from %s seq=%d time=%s\n", res.Bytes, res.Node, res.Seq, res.Rtt))
	}
	return sb.String(), nil
}

func cmdTopo(e *state.Env, args []string) (string, error) {
	if len(args) > 0 && args[0] == "last" {
		res, err := e.DispatchWait(func(s *state.State) (any, error) {
			snap, ok := Get[*TopologySampler](s).Snapshot()
			if !ok {
				return "no topology sampled yet\n", nil
			}
			return fmt.Sprintf("%s\nnodes: %d crc: %08x taken: %s\n", snap.Topology, len(snap.Nodes), snap.Crc, snap.Taken.Format(time.RFC3339)), nil
		})
		if err != nil {
			return "", err
		}
		return res.(string), nil
	}
	topo, err := await(e, func(s *state.State, cb func(*NetworkTopology)) error {
		Get[*Topology](s).Start(s, cb)
		return nil
	})
	if errors.Is(err, ErrRequestTimeout) {
		return "", fmt.Errorf("topology discovery already running")
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\nnodes: %d\n", topo.String(), topo.Len()), nil
}

func formatResources(rt *protocol.ResourceTableReply) string {
	sb := strings.Builder{}
	sb.WriteString(fmt.Sprintf("resources of %s\n", rt.Node))
	sb.WriteString(fmt.Sprintf(" pubs (%d):\n", len(rt.Pubs)))
	for _, p := range rt.Pubs {
		sb.WriteString("  - " + p + "\n")
	}
	sb.WriteString(fmt.Sprintf(" subs (%d):\n", len(rt.Subs)))
	for _, p := range rt.Subs {
		sb.WriteString("  - " + p + "\n")
	}
	return sb.String()
}

func cmdResources(e *state.Env, args []string) (string, error) {
	node := e.Id
	if len(args) > 0 {
		var err error
		if node, err = nodeArg(args, 0); err != nil {
			return "", err
		}
	}
	rt, err := await(e, func(s *state.State, cb func(*protocol.ResourceTableReply)) error {
		if node == s.Id {
			t := Get[*Resources](s).Table(s.Id)
			cb(&t)
			return nil
		}
		return Get[*Resources](s).Request(s, node, cb)
	})
	if err != nil {
		return "", err
	}
	return formatResources(rt), nil
}

func cmdTime(e *state.Env, args []string) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("usage: time get|set <node> [utc_us]")
	}
	node, err := nodeArg(args, 1)
	if err != nil {
		return "", err
	}
	var resp *protocol.SystemTime
	switch args[0] {
	case "get":
		resp, err = await(e, func(s *state.State, cb func(*protocol.SystemTime)) error {
			return Get[*TimeSync](s).Get(s, node, cb)
		})
	case "set":
		utc := time.Now()
		if len(args) > 2 {
			us, perr := strconv.ParseInt(args[2], 10, 64)
			if perr != nil {
				return "", fmt.Errorf("invalid utc %q", args[2])
			}
			utc = time.UnixMicro(us)
		}
		if node == 0 {
			_, err = e.DispatchWait(func(s *state.State) (any, error) {
				return nil, Get[*TimeSync](s).Set(s, 0, utc, nil)
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("broadcast time %s\n", utc.UTC().Format(time.RFC3339Nano)), nil
		}
		resp, err = await(e, func(s *state.State, cb func(*protocol.SystemTime)) error {
			return Get[*TimeSync](s).Set(s, node, utc, cb)
		})
	default:
		return "", fmt.Errorf("unknown time command %s", args[0])
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s: %s\n", resp.Source, time.UnixMicro(int64(resp.UtcUs)).UTC().Format(time.RFC3339Nano)), nil
}

func cmdCfg(e *state.Env, args []string) (string, error) {
	if len(args) < 3 {
		return "", fmt.Errorf("usage: cfg <node> <partition> get|set|commit|status|del ...")
	}
	node, err := nodeArg(args, 0)
	if err != nil {
		return "", err
	}
	part, err := protocol.ParsePartition(args[1])
	if err != nil {
		return "", err
	}
	op, rest := args[2], args[3:]
	var start func(s *state.State, cb func(*protocol.ConfigMsg)) error
	switch op {
	case "get":
		if len(rest) < 1 {
			return "", fmt.Errorf("usage: cfg <node> <partition> get <key>")
		}
		start = func(s *state.State, cb func(*protocol.ConfigMsg)) error {
			return Get[*ConfigProto](s).Get(s, node, part, rest[0], cb)
		}
	case "set":
		if len(rest) < 3 {
			return "", fmt.Errorf("usage: cfg <node> <partition> set <key> <type> <value>")
		}
		t, err := kv.ParseType(rest[1])
		if err != nil {
			return "", err
		}
		v, err := kv.ParseValue(t, strings.Join(rest[2:], " "))
		if err != nil {
			return "", err
		}
		start = func(s *state.State, cb func(*protocol.ConfigMsg)) error {
			return Get[*ConfigProto](s).Set(s, node, part, rest[0], v, cb)
		}
	case "commit":
		_, err := e.DispatchWait(func(s *state.State) (any, error) {
			return nil, Get[*ConfigProto](s).Commit(s, node, part)
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("commit sent to %s, it will restart\n", node), nil
	case "status":
		start = func(s *state.State, cb func(*protocol.ConfigMsg)) error {
			return Get[*ConfigProto](s).Status(s, node, part, cb)
		}
	case "del":
		if len(rest) < 1 {
			return "", fmt.Errorf("usage: cfg <node> <partition> del <key>")
		}
		start = func(s *state.State, cb func(*protocol.ConfigMsg)) error {
			return Get[*ConfigProto](s).Delete(s, node, part, rest[0], cb)
		}
	default:
		return "", fmt.Errorf("unknown cfg command %s", op)
	}
	msg, err := await(e, start)
	if err != nil {
		return "", err
	}
	switch op {
	case "status":
		return fmt.Sprintf("committed: %t\nkeys: %s\n", msg.Committed, strings.Join(msg.Keys, ", ")), nil
	case "del":
		return fmt.Sprintf("deleted %s: %t\n", msg.Key, msg.Success), nil
	}
	v, err := kv.Decode(msg.Value)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (%s)\n", v, v.Type), nil
}

func cmdPubSub(e *state.Env, args []string) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("usage: %s <topic>", args[0])
	}
	topic := args[1]
	res, err := e.DispatchWait(func(s *state.State) (any, error) {
		ps := Get[*PubSub](s)
		switch args[0] {
		case "sub":
			return fmt.Sprintf("subscribed to %s\n", topic), ps.Subscribe(s, topic, func(s *state.State, node state.NodeId, topic string, data []byte) {
				s.Log.Info("publication", "node", node, "topic", topic, "data", string(data))
			})
		case "unsub":
			if !ps.Unsubscribe(s, topic) {
				return nil, fmt.Errorf("not subscribed to %s", topic)
			}
			return fmt.Sprintf("unsubscribed from %s\n", topic), nil
		default:
			data := strings.Join(args[2:], " ")
			return fmt.Sprintf("published %d bytes to %s\n", len(data), topic), ps.Publish(s, topic, []byte(data))
		}
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func cmdDfu(e *state.Env, args []string) (string, error) {
	if len(args) > 0 && args[0] == "status" {
		res, err := e.DispatchWait(func(s *state.State) (any, error) {
			b := Get[*DfuBridge](s)
			out := fmt.Sprintf("state: %s\n", b.State())
			if last, ok := b.LastResult(); ok {
				out += fmt.Sprintf("last update: peer %s success %t (%s)\n", last.Peer, last.Success, last.Err)
			}
			return out, nil
		})
		if err != nil {
			return "", err
		}
		return res.(string), nil
	}
	fs := pflag.NewFlagSet("dfu", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	opts := UpdateOpts{}
	var sha string
	fs.Uint16Var(&opts.ChunkSize, "chunk", 512, "chunk size in bytes")
	fs.Uint8Var(&opts.Major, "major", 0, "major version of the image")
	fs.Uint8Var(&opts.Minor, "minor", 0, "minor version of the image")
	fs.StringVar(&sha, "sha", "0", "git sha of the image, in hex")
	fs.BoolVar(&opts.Force, "force", false, "update even if the client runs the same sha")
	fs.DurationVar(&opts.Timeout, "timeout", state.DfuUpdateDefaultTimeout, "abort the update after this long")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() < 2 {
		return "", fmt.Errorf("usage: dfu <node> <image> [flags]")
	}
	node, err := state.ParseNodeId(fs.Arg(0))
	if err != nil {
		return "", err
	}
	gitSha, err := strconv.ParseUint(sha, 16, 32)
	if err != nil {
		return "", fmt.Errorf("invalid sha %q", sha)
	}
	opts.GitSha = uint32(gitSha)
	_, err = e.DispatchWait(func(s *state.State) (any, error) {
		return nil, Get[*DfuBridge](s).Update(node, fs.Arg(1), opts, func(success bool, err dfu.Err, peer state.NodeId) {
			e.Log.Info("dfu update ended", "client", peer, "success", success, "err", err)
		})
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("update of %s started, see dfu status\n", node), nil
}
