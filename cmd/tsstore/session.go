package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// session executes REPL commands against a store, writing results to out.
type session struct {
	s   *store
	out io.Writer
}

func newSession(s *store, out io.Writer) *session {
	return &session{s: s, out: out}
}

var commands = []string{
	"set", "put", "get", "del", "delete",
	"scan", "ls", "list", "len", "count",
	"info", "flush", "bench",
	"help", "exit", "quit", "q",
}

// exec runs one command line and reports whether the session should end.
func (ss *session) exec(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "exit", "quit", "q":
		return true
	case "help", "?":
		ss.printHelp()
	case "set", "put":
		ss.cmdSet(args)
	case "get":
		ss.cmdGet(args)
	case "del", "delete":
		ss.cmdDelete(args)
	case "scan", "ls", "list":
		ss.cmdScan(args)
	case "len", "count":
		ss.cmdLen()
	case "info":
		ss.cmdInfo()
	case "flush":
		ss.cmdFlush()
	case "bench":
		ss.cmdBench(args)
	default:
		fmt.Fprintf(ss.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}

	return false
}

func (ss *session) printHelp() {
	fmt.Fprintln(ss.out, "Commands:")
	fmt.Fprintln(ss.out, "  set <key> <value>   Journal an insert or overwrite")
	fmt.Fprintln(ss.out, "  get <key>           Read a value from the map")
	fmt.Fprintln(ss.out, "  del <key>           Journal a delete")
	fmt.Fprintln(ss.out, "  scan [limit]        List map entries")
	fmt.Fprintln(ss.out, "  len                 Count map entries")
	fmt.Fprintln(ss.out, "  info                Show log and map state")
	fmt.Fprintln(ss.out, "  flush               Flush the log and map to disk")
	fmt.Fprintln(ss.out, "  bench <count>       Benchmark journalled writes")
	fmt.Fprintln(ss.out, "  help                Show this help")
	fmt.Fprintln(ss.out, "  exit / quit / q     Exit")
	fmt.Fprintln(ss.out)
	fmt.Fprintln(ss.out, "Keys and values: hex (e.g., 'deadbeef') or plain text (e.g., 'foo').")
	fmt.Fprintln(ss.out, "                 Zero-padded or truncated to their fixed size.")
}

// parseBytes reads hex, falling back to plain text, and pads or truncates
// to size.
func parseBytes(s string, size int) []byte {
	raw, err := hex.DecodeString(s)
	if err != nil {
		raw = []byte(s)
	}

	b := make([]byte, size)
	copy(b, raw)

	return b
}

// formatBytes shows printable bytes as a quoted string without trailing
// zeros, anything else as hex.
func formatBytes(b []byte) string {
	for _, c := range b {
		if c != 0 && (c < 32 || c > 126) {
			return hex.EncodeToString(b)
		}
	}

	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}

	if end == 0 {
		return "(empty)"
	}

	return strconv.Quote(string(b[:end]))
}

func (ss *session) cmdSet(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(ss.out, "Usage: set <key> <value>")

		return
	}

	key := parseBytes(args[0], ss.s.m.KeySize())
	value := parseBytes(args[1], ss.s.m.ValueSize())

	err := ss.s.set(key, value)
	if err != nil {
		fmt.Fprintf(ss.out, "Error: %v\n", err)

		return
	}

	fmt.Fprintf(ss.out, "OK %s = %s\n", formatBytes(key), formatBytes(value))
}

func (ss *session) cmdGet(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(ss.out, "Usage: get <key>")

		return
	}

	key := parseBytes(args[0], ss.s.m.KeySize())

	value, ok, err := ss.s.m.TryGet(key)
	if err != nil {
		fmt.Fprintf(ss.out, "Error: %v\n", err)

		return
	}

	if !ok {
		fmt.Fprintf(ss.out, "Not found: %s\n", formatBytes(key))

		return
	}

	fmt.Fprintf(ss.out, "%s = %s\n", formatBytes(key), formatBytes(value))
}

func (ss *session) cmdDelete(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(ss.out, "Usage: del <key>")

		return
	}

	key := parseBytes(args[0], ss.s.m.KeySize())

	ok, err := ss.s.m.ContainsKey(key)
	if err != nil {
		fmt.Fprintf(ss.out, "Error: %v\n", err)

		return
	}

	if !ok {
		fmt.Fprintf(ss.out, "Not found: %s\n", formatBytes(key))

		return
	}

	err = ss.s.remove(key)
	if err != nil {
		fmt.Fprintf(ss.out, "Error: %v\n", err)

		return
	}

	fmt.Fprintf(ss.out, "Deleted %s\n", formatBytes(key))
}

func (ss *session) cmdScan(args []string) {
	limit := -1

	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			fmt.Fprintln(ss.out, "Usage: scan [limit]")

			return
		}

		limit = n
	}

	entries, err := ss.s.m.Scan()
	if err != nil {
		fmt.Fprintf(ss.out, "Error: %v\n", err)

		return
	}

	shown := entries
	if limit >= 0 && limit < len(entries) {
		shown = entries[:limit]
	}

	for _, e := range shown {
		fmt.Fprintf(ss.out, "  %s = %s\n", formatBytes(e.Key), formatBytes(e.Value))
	}

	fmt.Fprintf(ss.out, "(%d of %d entries)\n", len(shown), len(entries))
}

func (ss *session) cmdLen() {
	n, err := ss.s.m.Len()
	if err != nil {
		fmt.Fprintf(ss.out, "Error: %v\n", err)

		return
	}

	fmt.Fprintf(ss.out, "Entries: %d\n", n)
}

func (ss *session) cmdInfo() {
	n, err := ss.s.m.Len()
	if err != nil {
		fmt.Fprintf(ss.out, "Error: %v\n", err)

		return
	}

	l, m := ss.s.log, ss.s.m

	fmt.Fprintln(ss.out, "Log:")
	fmt.Fprintf(ss.out, "  Path:          %s\n", l.Path())
	fmt.Fprintf(ss.out, "  ID:            %s\n", l.ID())
	fmt.Fprintf(ss.out, "  Term length:   %d bytes\n", l.TermLength())
	fmt.Fprintf(ss.out, "  Active term:   %d\n", l.ActiveTermID())
	fmt.Fprintf(ss.out, "  Tail:          %d\n", l.TailPosition())
	fmt.Fprintf(ss.out, "  Subscriber:    %d\n", l.Position())
	fmt.Fprintln(ss.out, "Map:")
	fmt.Fprintf(ss.out, "  Path:          %s\n", m.Path())
	fmt.Fprintf(ss.out, "  Key size:      %d bytes\n", m.KeySize())
	fmt.Fprintf(ss.out, "  Value size:    %d bytes\n", m.ValueSize())
	fmt.Fprintf(ss.out, "  Generation:    %d\n", m.Generation())
	fmt.Fprintf(ss.out, "  Capacity:      %d\n", m.Capacity())
	fmt.Fprintf(ss.out, "  Entries:       %d\n", n)
	fmt.Fprintf(ss.out, "  Replayed:      %d\n", ss.s.replayer.Applied())
}

func (ss *session) cmdFlush() {
	err := ss.s.flush()
	if err != nil {
		fmt.Fprintf(ss.out, "Error: %v\n", err)

		return
	}

	fmt.Fprintln(ss.out, "Flushed")
}

func (ss *session) cmdBench(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(ss.out, "Usage: bench <count>")

		return
	}

	count, err := strconv.Atoi(args[0])
	if err != nil || count <= 0 {
		fmt.Fprintln(ss.out, "Usage: bench <count>")

		return
	}

	keySize, valueSize := ss.s.m.KeySize(), ss.s.m.ValueSize()

	var last int64

	start := time.Now()

	for i := range count {
		key := parseBytes(fmt.Sprintf("bench%08d", i), keySize)
		value := parseBytes(strconv.Itoa(i), valueSize)

		last, err = ss.s.writer.Set(key, value)
		if err != nil {
			fmt.Fprintf(ss.out, "Error at %d: %v\n", i, err)

			return
		}
	}

	journalled := time.Since(start)

	err = ss.s.waitReplayed(last)
	if err != nil {
		fmt.Fprintf(ss.out, "Error: %v\n", err)

		return
	}

	replayed := time.Since(start)

	fmt.Fprintf(ss.out, "Journalled %d records in %v (%.0f/s)\n",
		count, journalled.Round(time.Microsecond), float64(count)/journalled.Seconds())
	fmt.Fprintf(ss.out, "Replayed into map after %v (%.0f/s)\n",
		replayed.Round(time.Microsecond), float64(count)/replayed.Seconds())
}
