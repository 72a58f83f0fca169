package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/coretrusts/amdb/internal/engine"
	"github.com/coretrusts/amdb/internal/fs"
)

// connection is one open database, registered under connect and
// addressable afterwards by use <name>.
type connection struct {
	name string
	dir  string
	eng  *engine.Engine
}

// session holds every connection opened during one CLI invocation and
// the one currently selected by "use". Mirrors the teacher's pattern of
// threading one long-lived struct through command handlers rather than
// re-resolving state on every call.
type session struct {
	out, errOut io.Writer

	conns   map[string]*connection
	current string

	// cfg and cfgSource are loaded once at startup from amdb's JWCC config
	// file (see config.go) and applied as engine.Options to every
	// subsequent connect, the same way the teacher's ticket CLI threaded
	// one resolved Config through every command.
	cfg       fileConfig
	cfgSource string
}

func newSession(out, errOut io.Writer) *session {
	return &session{out: out, errOut: errOut, conns: make(map[string]*connection)}
}

func (s *session) connect(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}

	name := filepath.Base(abs)
	if _, ok := s.conns[name]; ok {
		return fmt.Errorf("a database named %q is already connected; disconnect it first", name)
	}

	eng, report, err := engine.Open(fs.NewReal(), abs, s.cfg.engineOptions()...)
	if err != nil {
		return fmt.Errorf("open %s: %w", abs, err)
	}

	s.conns[name] = &connection{name: name, dir: abs, eng: eng}
	s.current = name

	if report.Created {
		fmt.Fprintf(s.out, "created new database at %s\n", abs)
	} else {
		fmt.Fprintf(s.out, "connected to %s (replayed %d wal record(s))\n", abs, report.WALRecordsReplayed)
	}
	if report.VersionsError != nil {
		fmt.Fprintf(s.errOut, "warning: versions snapshot rejected: %v\n", report.VersionsError)
	}
	if report.MerkleError != nil {
		fmt.Fprintf(s.errOut, "warning: merkle snapshot rejected: %v\n", report.MerkleError)
	}
	if report.BPlusError != nil {
		fmt.Fprintf(s.errOut, "warning: bplus snapshot rejected, mirror disabled: %v\n", report.BPlusError)
	}

	return nil
}

func (s *session) disconnect() error {
	conn, err := s.currentConn()
	if err != nil {
		return err
	}

	if err := conn.eng.Close(); err != nil {
		return fmt.Errorf("close %s: %w", conn.name, err)
	}

	delete(s.conns, conn.name)
	s.current = ""
	for name := range s.conns {
		s.current = name
		break
	}

	fmt.Fprintf(s.out, "disconnected %s\n", conn.name)
	return nil
}

func (s *session) use(name string) error {
	if _, ok := s.conns[name]; !ok {
		return fmt.Errorf("no connected database named %q", name)
	}
	s.current = name
	fmt.Fprintf(s.out, "using %s\n", name)
	return nil
}

func (s *session) currentConn() (*connection, error) {
	if s.current == "" {
		return nil, fmt.Errorf("not connected to a database; run 'connect <dir>' first")
	}
	return s.conns[s.current], nil
}

func (s *session) closeAll() {
	for _, conn := range s.conns {
		_ = conn.eng.Close()
	}
}

// dispatch parses and runs one command line.
func (s *session) dispatch(ctx context.Context, line string) error {
	fields := splitArgs(line)
	if len(fields) == 0 {
		return nil
	}

	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "connect":
		if len(args) != 1 {
			return fmt.Errorf("usage: connect <dir>")
		}
		return s.connect(args[0])

	case "disconnect":
		return s.disconnect()

	case "use":
		if len(args) != 1 {
			return fmt.Errorf("usage: use <name>")
		}
		return s.use(args[0])

	case "put":
		if len(args) != 2 {
			return fmt.Errorf("usage: put <key> <value>")
		}
		conn, err := s.currentConn()
		if err != nil {
			return err
		}
		_, root, err := conn.eng.Put([]byte(args[0]), []byte(args[1]))
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "OK root=%x\n", root)
		return nil

	case "get":
		if len(args) != 1 {
			return fmt.Errorf("usage: get <key>")
		}
		conn, err := s.currentConn()
		if err != nil {
			return err
		}
		value, found, err := conn.eng.Get([]byte(args[0]), 0)
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintln(s.out, "(not found)")
			return nil
		}
		fmt.Fprintln(s.out, string(value))
		return nil

	case "delete":
		if len(args) != 1 {
			return fmt.Errorf("usage: delete <key>")
		}
		conn, err := s.currentConn()
		if err != nil {
			return err
		}
		ok, _, err := conn.eng.Delete([]byte(args[0]))
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintln(s.out, "OK")
		}
		return nil

	case "batch":
		return s.cmdBatch(args)

	case "select":
		return s.cmdSelect(args)

	case "show":
		return s.cmdShow(args)

	case "history":
		return s.cmdHistory(args)

	case "flush":
		conn, err := s.currentConn()
		if err != nil {
			return err
		}
		sync := true
		if len(args) == 1 && args[0] == "async" {
			sync = false
		}
		if err := conn.eng.Flush(sync); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "OK")
		return nil

	case "help", "?":
		printCommandHelp(s.out)
		return nil

	default:
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
}

// cmdBatch implements "batch put k1 v1 k2 v2 ...".
func (s *session) cmdBatch(args []string) error {
	if len(args) < 3 || args[0] != "put" {
		return fmt.Errorf("usage: batch put k1 v1 [k2 v2 ...]")
	}
	pairs := args[1:]
	if len(pairs)%2 != 0 {
		return fmt.Errorf("batch put requires an even number of key/value arguments")
	}

	conn, err := s.currentConn()
	if err != nil {
		return err
	}

	items := make([]engine.Item, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		items = append(items, engine.Item{Key: []byte(pairs[i]), Value: []byte(pairs[i+1])})
	}

	result, root, err := conn.eng.BatchPut(items)
	if err != nil {
		return err
	}

	fmt.Fprintf(s.out, "inserted %d, rejected %d, root=%x\n", result.Inserted, len(result.Rejected), root)
	for _, r := range result.Rejected {
		fmt.Fprintf(s.errOut, "warning: rejected %q: %v\n", r.Key, r.Err)
	}
	return nil
}

// cmdSelect implements "select * from <prefix> [limit N]" and "select <key>".
func (s *session) cmdSelect(args []string) error {
	conn, err := s.currentConn()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		value, found, err := conn.eng.Get([]byte(args[0]), 0)
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintln(s.out, "(not found)")
			return nil
		}
		fmt.Fprintln(s.out, string(value))
		return nil
	}

	if len(args) < 3 || args[0] != "*" || args[1] != "from" {
		return fmt.Errorf("usage: select <key> | select * from <prefix> [limit N]")
	}

	prefix := args[2]
	limit := -1
	if len(args) == 5 && strings.ToLower(args[3]) == "limit" {
		n, err := strconv.Atoi(args[4])
		if err != nil {
			return fmt.Errorf("bad limit %q: %w", args[4], err)
		}
		limit = n
	}

	lo := []byte(prefix)
	hi := append([]byte(prefix), 0xFF, 0xFF, 0xFF, 0xFF)

	entries, err := conn.eng.RangeQuery(lo, hi)
	if err != nil {
		return err
	}

	count := 0
	for _, e := range entries {
		if !strings.HasPrefix(string(e.Key), prefix) {
			continue
		}
		if limit >= 0 && count >= limit {
			break
		}
		fmt.Fprintf(s.out, "%s = %s\n", e.Key, e.Value)
		count++
	}
	return nil
}

// cmdShow implements "show databases|tables|keys|stats|config|connection".
func (s *session) cmdShow(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: show databases|tables|keys|stats|config|connection")
	}

	switch args[0] {
	case "databases":
		names := make([]string, 0, len(s.conns))
		for name := range s.conns {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			marker := "  "
			if name == s.current {
				marker = "* "
			}
			fmt.Fprintf(s.out, "%s%s\n", marker, name)
		}
		return nil

	case "tables":
		fmt.Fprintln(s.out, "amdb is a single flat keyspace per database; there are no tables")
		return nil

	case "keys":
		conn, err := s.currentConn()
		if err != nil {
			return err
		}
		// RangeQuery needs a concrete upper bound; 0xFF*64 is a practical
		// ceiling for this reference CLI, not a formal unbounded scan.
		hi := make([]byte, 64)
		for i := range hi {
			hi[i] = 0xFF
		}
		entries, err := conn.eng.RangeQuery(nil, hi)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintln(s.out, string(e.Key))
		}
		return nil

	case "stats":
		conn, err := s.currentConn()
		if err != nil {
			return err
		}
		stats := conn.eng.GetStats()
		fmt.Fprintf(s.out, "total_keys: %d\n", stats.TotalKeys)
		fmt.Fprintf(s.out, "root_hash: %x\n", stats.RootHash)
		for _, sh := range stats.Shards {
			fmt.Fprintf(s.out, "shard %d: active_entries=%d sstables=%d flushes=%d compactions=%d\n",
				sh.ID, sh.ActiveEntries, sh.SSTableCount, sh.FlushCount, sh.CompactCount)
		}
		return nil

	case "config":
		fmt.Fprint(s.out, formatConfig(s.cfg, s.cfgSource))
		return nil

	case "connection":
		conn, err := s.currentConn()
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "name: %s\ndir: %s\n", conn.name, conn.dir)
		return nil

	default:
		return fmt.Errorf("unknown show target: %s", args[0])
	}
}

func (s *session) cmdHistory(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: history <key>")
	}
	conn, err := s.currentConn()
	if err != nil {
		return err
	}

	hist, err := conn.eng.GetHistory([]byte(args[0]), 1, 0)
	if err != nil {
		return err
	}
	for _, v := range hist {
		fmt.Fprintf(s.out, "v%d @%.6f: %s\n", v.Version, v.Timestamp, v.Value)
	}
	return nil
}

func printCommandHelp(w io.Writer) {
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  connect <dir>                    Open (or create) a database")
	fmt.Fprintln(w, "  disconnect                        Close the current database")
	fmt.Fprintln(w, "  use <name>                         Switch the current database")
	fmt.Fprintln(w, "  put <key> <value>                  Write a key")
	fmt.Fprintln(w, "  get <key>                          Read the latest value")
	fmt.Fprintln(w, "  delete <key>                       Tombstone a key")
	fmt.Fprintln(w, "  batch put k1 v1 k2 v2 ...           Write many keys at once")
	fmt.Fprintln(w, "  select * from <prefix> [limit N]    Range scan by prefix")
	fmt.Fprintln(w, "  select <key>                        Read the latest value")
	fmt.Fprintln(w, "  show databases|tables|keys|stats|config|connection")
	fmt.Fprintln(w, "  history <key>                      Every version of a key")
	fmt.Fprintln(w, "  flush [async]                       Force a durability flush")
	fmt.Fprintln(w, "  help                                Show this help")
	fmt.Fprintln(w, "  exit / quit                          Exit")
}

// splitArgs is a minimal shell-word splitter: double-quoted segments are
// kept intact (so values containing spaces can be written "like this"),
// everything else splits on whitespace.
func splitArgs(line string) []string {
	var out []string
	var cur strings.Builder
	inQuotes := false
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}

	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == ' ' && !inQuotes:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()

	return out
}
