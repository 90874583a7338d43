package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/redcon"

	"github.com/akuznetsov-gridgain/ignite/internal/grid"
	gerrors "github.com/akuznetsov-gridgain/ignite/pkg/errors"
)

// CommandFunc executes one RESP command.
type CommandFunc func(conn redcon.Conn, args [][]byte)

// Handler routes RESP commands to the grid. Keys whose partition primary
// is a different node are answered with a MOVED redirect carrying the
// partition and the owner's client address.
type Handler struct {
	grid     *grid.Grid
	commands map[string]CommandFunc
}

// NewHandler creates a handler bound to a grid node.
func NewHandler(g *grid.Grid) *Handler {
	h := &Handler{
		grid:     g,
		commands: make(map[string]CommandFunc),
	}
	h.registerCommands()
	return h
}

func (h *Handler) registerCommands() {
	h.commands["PING"] = h.cmdPing
	h.commands["ECHO"] = h.cmdEcho
	h.commands["QUIT"] = h.cmdQuit

	h.commands["GET"] = h.cmdGet
	h.commands["SET"] = h.cmdSet
	h.commands["SETEX"] = h.cmdSetEX
	h.commands["DEL"] = h.cmdDel
	h.commands["EXISTS"] = h.cmdExists
	h.commands["TTL"] = h.cmdTTL
	h.commands["PTTL"] = h.cmdPTTL
	h.commands["DBSIZE"] = h.cmdDBSize

	h.commands["CLUSTER"] = h.cmdCluster
}

// Execute dispatches one parsed command.
func (h *Handler) Execute(conn redcon.Conn, cmd redcon.Command) {
	name := strings.ToUpper(string(cmd.Args[0]))
	fn, ok := h.commands[name]
	if !ok {
		conn.WriteError("ERR unknown command '" + string(cmd.Args[0]) + "'")
		return
	}
	fn(conn, cmd.Args[1:])
}

// routeKey answers with a MOVED redirect when the key's primary is
// remote. Reports whether the command may proceed locally.
func (h *Handler) routeKey(conn redcon.Conn, key string) bool {
	if h.grid.IsLocalKey(key) {
		return true
	}
	primary := h.grid.PrimaryForKey(key)
	if primary == nil {
		conn.WriteError("CLUSTERDOWN The cluster has no owner for the key")
		return false
	}
	conn.WriteError(fmt.Sprintf("MOVED %d %s", h.grid.PartitionForKey(key), primary.Addr))
	return false
}

func (h *Handler) cmdPing(conn redcon.Conn, args [][]byte) {
	if len(args) > 0 {
		conn.WriteBulk(args[0])
		return
	}
	conn.WriteString("PONG")
}

func (h *Handler) cmdEcho(conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'echo' command")
		return
	}
	conn.WriteBulk(args[0])
}

func (h *Handler) cmdQuit(conn redcon.Conn, args [][]byte) {
	conn.WriteString("OK")
	conn.Close()
}

func (h *Handler) cmdGet(conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'get' command")
		return
	}
	key := string(args[0])
	if !h.routeKey(conn, key) {
		return
	}
	e, err := h.grid.Get(key)
	if err != nil {
		if errors.Is(err, gerrors.ErrKeyNotFound) {
			conn.WriteNull()
			return
		}
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteBulk(e.Value)
}

func (h *Handler) cmdSet(conn redcon.Conn, args [][]byte) {
	if len(args) < 2 {
		conn.WriteError("ERR wrong number of arguments for 'set' command")
		return
	}
	key := string(args[0])
	value := args[1]

	var ttl time.Duration
	for i := 2; i < len(args); i++ {
		switch strings.ToUpper(string(args[i])) {
		case "EX":
			if i+1 >= len(args) {
				conn.WriteError("ERR syntax error")
				return
			}
			secs, err := strconv.ParseInt(string(args[i+1]), 10, 64)
			if err != nil || secs <= 0 {
				conn.WriteError("ERR invalid expire time in 'set' command")
				return
			}
			ttl = time.Duration(secs) * time.Second
			i++
		case "PX":
			if i+1 >= len(args) {
				conn.WriteError("ERR syntax error")
				return
			}
			ms, err := strconv.ParseInt(string(args[i+1]), 10, 64)
			if err != nil || ms <= 0 {
				conn.WriteError("ERR invalid expire time in 'set' command")
				return
			}
			ttl = time.Duration(ms) * time.Millisecond
			i++
		default:
			conn.WriteError("ERR syntax error")
			return
		}
	}

	if !h.routeKey(conn, key) {
		return
	}
	if err := h.grid.Put(key, append([]byte(nil), value...), ttl); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteString("OK")
}

func (h *Handler) cmdSetEX(conn redcon.Conn, args [][]byte) {
	if len(args) != 3 {
		conn.WriteError("ERR wrong number of arguments for 'setex' command")
		return
	}
	secs, err := strconv.ParseInt(string(args[1]), 10, 64)
	if err != nil || secs <= 0 {
		conn.WriteError("ERR invalid expire time in 'setex' command")
		return
	}
	key := string(args[0])
	if !h.routeKey(conn, key) {
		return
	}
	if err := h.grid.Put(key, append([]byte(nil), args[2]...), time.Duration(secs)*time.Second); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteString("OK")
}

func (h *Handler) cmdDel(conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteError("ERR wrong number of arguments for 'del' command")
		return
	}
	deleted := 0
	for _, raw := range args {
		key := string(raw)
		if !h.grid.IsLocalKey(key) {
			// Multi-key DEL only covers local keys; redirect on the first
			// remote one.
			if !h.routeKey(conn, key) {
				return
			}
		}
		ok, err := h.grid.Delete(key)
		if err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
		if ok {
			deleted++
		}
	}
	conn.WriteInt(deleted)
}

func (h *Handler) cmdExists(conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteError("ERR wrong number of arguments for 'exists' command")
		return
	}
	count := 0
	for _, raw := range args {
		key := string(raw)
		if !h.routeKey(conn, key) {
			return
		}
		if _, err := h.grid.Get(key); err == nil {
			count++
		}
	}
	conn.WriteInt(count)
}

func (h *Handler) cmdTTL(conn redcon.Conn, args [][]byte) {
	h.ttl(conn, args, time.Second)
}

func (h *Handler) cmdPTTL(conn redcon.Conn, args [][]byte) {
	h.ttl(conn, args, time.Millisecond)
}

func (h *Handler) ttl(conn redcon.Conn, args [][]byte, unit time.Duration) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'ttl' command")
		return
	}
	key := string(args[0])
	if !h.routeKey(conn, key) {
		return
	}
	e, err := h.grid.Get(key)
	if err != nil {
		conn.WriteInt(-2)
		return
	}
	if e.ExpireAt.IsZero() {
		conn.WriteInt(-1)
		return
	}
	conn.WriteInt64(int64(time.Until(e.ExpireAt) / unit))
}

func (h *Handler) cmdDBSize(conn redcon.Conn, args [][]byte) {
	conn.WriteInt(h.grid.Len())
}

func (h *Handler) cmdCluster(conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteError("ERR wrong number of arguments for 'cluster' command")
		return
	}
	switch strings.ToUpper(string(args[0])) {
	case "INFO":
		info := h.grid.Info()
		var b strings.Builder
		for k, v := range info {
			fmt.Fprintf(&b, "%s:%v\r\n", k, v)
		}
		conn.WriteBulkString(b.String())

	case "MYID":
		conn.WriteBulkString(string(h.grid.Self().ID))

	case "NODES":
		var b strings.Builder
		for _, n := range h.grid.Nodes() {
			fmt.Fprintf(&b, "%s %s grid=%s order=%d\r\n", n.ID, n.Addr, n.GridAddr, n.Order)
		}
		conn.WriteBulkString(b.String())

	case "KEYSLOT":
		if len(args) != 2 {
			conn.WriteError("ERR wrong number of arguments for 'cluster keyslot'")
			return
		}
		conn.WriteInt(h.grid.PartitionForKey(string(args[1])))

	case "REBALANCE":
		// Manual full preload, mirroring a forced rebalance trigger.
		h.grid.ForcePreload()
		conn.WriteString("OK")

	default:
		conn.WriteError("ERR unknown CLUSTER subcommand '" + string(args[0]) + "'")
	}
}
