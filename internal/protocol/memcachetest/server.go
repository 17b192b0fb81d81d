// Package memcachetest provides an in-process memcached stand-in for tests.
//
// The server speaks the text protocol (stats, stats slabs, stats items,
// stats cachedump, get, set, delete, flush_all) and the binary protocol
// (SASL PLAIN, STAT, GET, SET, DELETE, FLUSH) on the same port; the first
// byte of each connection selects the dialect.
package memcachetest

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yndnr/memscope-go/internal/protocol/wire"
)

// Mode alters how the server answers.
type Mode int32

const (
	// ModeNormal answers every request.
	ModeNormal Mode = iota
	// ModeStall accepts connections and reads requests but never answers.
	ModeStall
	// ModeHangUp closes every connection right after accepting it.
	ModeHangUp
)

// relativeExpirationLimit mirrors memcached: larger exptimes are absolute.
const relativeExpirationLimit = 60 * 60 * 24 * 30

type entry struct {
	value      []byte
	flags      uint32
	expiration int64
}

// Server is a fake cache server listening on 127.0.0.1.
type Server struct {
	// Username and Password, when set, are required by the binary dialect.
	Username string
	Password string

	ln       net.Listener
	maxValue atomic.Int64
	mode     atomic.Int32
	accepted atomic.Int64
	wg       sync.WaitGroup

	mu       sync.Mutex
	items    map[string]entry
	commands map[string]int
	conns    map[net.Conn]struct{}
	now      func() time.Time
	closed   bool
}

// NewServer starts a server on an ephemeral loopback port. It panics if no
// port can be bound.
func NewServer() *Server {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("memcachetest: failed to listen: %v", err))
	}
	s := &Server{
		ln:       ln,
		items:    make(map[string]entry),
		commands: make(map[string]int),
		conns:    make(map[net.Conn]struct{}),
		now:      time.Now,
	}
	s.wg.Add(1)
	go s.serve()
	return s
}

// NewAuthServer starts a server that requires the given SASL credentials.
func NewAuthServer(username, password string) *Server {
	s := NewServer()
	s.mu.Lock()
	s.Username = username
	s.Password = password
	s.mu.Unlock()
	return s
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// HostPort returns the listening host and port separately.
func (s *Server) HostPort() (string, int) {
	addr := s.ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// SetMode switches the answering behavior for new requests.
func (s *Server) SetMode(m Mode) {
	s.mode.Store(int32(m))
}

// SetClock overrides the clock used for expiration.
func (s *Server) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Accepted returns how many connections were accepted.
func (s *Server) Accepted() int64 {
	return s.accepted.Load()
}

// Commands returns how many times a command was received, e.g. "get",
// "stats cachedump", "sasl".
func (s *Server) Commands(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[name]
}

// Put stores an item directly. A zero expiration never expires.
func (s *Server) Put(key string, value []byte, expiration int64) {
	s.mu.Lock()
	s.items[key] = entry{value: append([]byte(nil), value...), expiration: expiration}
	s.mu.Unlock()
}

// Value returns a stored value.
func (s *Server) Value(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookupLocked(key)
	return e.value, ok
}

// Expiration returns the absolute expiration of a stored item.
func (s *Server) Expiration(key string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookupLocked(key)
	return e.expiration, ok
}

// Keys returns every live key, sorted.
func (s *Server) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.items {
		if _, ok := s.lookupLocked(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Close stops the listener and every open connection, then waits for all
// handlers to return.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.ln.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			if Mode(s.mode.Load()) == ModeHangUp {
				return
			}
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	r := bufio.NewReader(conn)
	first, err := r.Peek(1)
	if err != nil {
		return
	}
	if first[0] == wire.MagicRequest {
		s.handleBinary(conn, r)
		return
	}
	s.handleText(conn, r)
}

func (s *Server) count(name string) {
	s.mu.Lock()
	s.commands[name]++
	s.mu.Unlock()
}

func (s *Server) stalled(r io.Reader) bool {
	if Mode(s.mode.Load()) != ModeStall {
		return false
	}
	io.Copy(io.Discard, r)
	return true
}

// SetMaxValueSize rejects larger values the way memcached does. 0 restores
// the 1 MiB default.
func (s *Server) SetMaxValueSize(n int) {
	s.maxValue.Store(int64(n))
}

func (s *Server) maxValueSize() int {
	if n := s.maxValue.Load(); n > 0 {
		return int(n)
	}
	return 1 << 20
}

func (s *Server) lookupLocked(key string) (entry, bool) {
	e, ok := s.items[key]
	if !ok {
		return entry{}, false
	}
	if e.expiration > 0 && e.expiration <= s.now().Unix() {
		delete(s.items, key)
		return entry{}, false
	}
	return e, true
}

func (s *Server) absExpiration(exptime int64) int64 {
	switch {
	case exptime <= 0:
		return 0
	case exptime <= relativeExpirationLimit:
		return s.now().Unix() + exptime
	default:
		return exptime
	}
}

func slabFor(size int) int {
	switch {
	case size <= 96:
		return 1
	case size <= 1024:
		return 2
	default:
		return 3
	}
}

var chunkSizes = map[int]int{1: 96, 2: 1024, 3: 1 << 20}

// slabsLocked returns live items grouped by slab, keys sorted.
func (s *Server) slabsLocked() map[int][]string {
	slabs := make(map[int][]string)
	for k := range s.items {
		e, ok := s.lookupLocked(k)
		if !ok {
			continue
		}
		id := slabFor(len(k) + len(e.value))
		slabs[id] = append(slabs[id], k)
	}
	for _, keys := range slabs {
		sort.Strings(keys)
	}
	return slabs
}

type stat struct{ name, value string }

func (s *Server) statsLocked(arg string) ([]stat, bool) {
	switch arg {
	case "":
		live := 0
		for k := range s.items {
			if _, ok := s.lookupLocked(k); ok {
				live++
			}
		}
		return []stat{
			{"pid", "4242"},
			{"uptime", "100"},
			{"version", "1.6.21-memcachetest"},
			{"curr_items", strconv.Itoa(live)},
			{"curr_connections", "1"},
		}, true
	case "slabs":
		slabs := s.slabsLocked()
		ids := make([]int, 0, len(slabs))
		for id := range slabs {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		var out []stat
		for _, id := range ids {
			p := strconv.Itoa(id) + ":"
			used := len(slabs[id])
			out = append(out,
				stat{p + "chunk_size", strconv.Itoa(chunkSizes[id])},
				stat{p + "total_pages", "1"},
				stat{p + "total_chunks", "1000"},
				stat{p + "used_chunks", strconv.Itoa(used)},
				stat{p + "free_chunks", strconv.Itoa(1000 - used)},
			)
		}
		out = append(out, stat{"active_slabs", strconv.Itoa(len(ids))}, stat{"total_malloced", "1048576"})
		return out, true
	case "items":
		slabs := s.slabsLocked()
		var out []stat
		for id, keys := range slabs {
			out = append(out, stat{fmt.Sprintf("items:%d:number", id), strconv.Itoa(len(keys))})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
		return out, true
	case "settings":
		return []stat{{"item_size_max", strconv.Itoa(s.maxValueSize())}}, true
	default:
		return nil, false
	}
}

// ---------------------------------------------------------------------------
// Text dialect
// ---------------------------------------------------------------------------

func (s *Server) handleText(conn net.Conn, r *bufio.Reader) {
	w := bufio.NewWriter(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		if s.stalled(r) {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			w.WriteString("ERROR\r\n")
			w.Flush()
			continue
		}
		switch fields[0] {
		case "stats":
			s.textStats(w, fields[1:])
		case "get":
			s.count("get")
			s.mu.Lock()
			for _, k := range fields[1:] {
				if e, ok := s.lookupLocked(k); ok {
					fmt.Fprintf(w, "VALUE %s %d %d\r\n", k, e.flags, len(e.value))
					w.Write(e.value)
					w.WriteString("\r\n")
				}
			}
			s.mu.Unlock()
			w.WriteString("END\r\n")
		case "set":
			s.count("set")
			if len(fields) != 5 {
				w.WriteString("ERROR\r\n")
				break
			}
			flags, _ := strconv.ParseUint(fields[2], 10, 32)
			exptime, _ := strconv.ParseInt(fields[3], 10, 64)
			n, err := strconv.Atoi(fields[4])
			if err != nil || n < 0 {
				w.WriteString("CLIENT_ERROR bad data chunk\r\n")
				break
			}
			data := make([]byte, n+2)
			if _, err := io.ReadFull(r, data); err != nil {
				return
			}
			if n > s.maxValueSize() {
				w.WriteString("SERVER_ERROR object too large for cache\r\n")
				break
			}
			s.mu.Lock()
			s.items[fields[1]] = entry{value: data[:n], flags: uint32(flags), expiration: s.absExpiration(exptime)}
			s.mu.Unlock()
			w.WriteString("STORED\r\n")
		case "delete":
			s.count("delete")
			if len(fields) < 2 {
				w.WriteString("ERROR\r\n")
				break
			}
			s.mu.Lock()
			_, ok := s.lookupLocked(fields[1])
			delete(s.items, fields[1])
			s.mu.Unlock()
			if ok {
				w.WriteString("DELETED\r\n")
			} else {
				w.WriteString("NOT_FOUND\r\n")
			}
		case "flush_all":
			s.count("flush_all")
			s.mu.Lock()
			s.items = make(map[string]entry)
			s.mu.Unlock()
			w.WriteString("OK\r\n")
		default:
			w.WriteString("ERROR\r\n")
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) textStats(w *bufio.Writer, args []string) {
	if len(args) > 0 && args[0] == "cachedump" {
		s.count("stats cachedump")
		if len(args) != 3 {
			w.WriteString("CLIENT_ERROR bad command line format\r\n")
			return
		}
		id, _ := strconv.Atoi(args[1])
		limit, _ := strconv.Atoi(args[2])
		s.mu.Lock()
		keys := s.slabsLocked()[id]
		for i, k := range keys {
			if limit > 0 && i >= limit {
				break
			}
			e := s.items[k]
			fmt.Fprintf(w, "ITEM %s [%d b; %d s]\r\n", k, len(e.value), e.expiration)
		}
		s.mu.Unlock()
		w.WriteString("END\r\n")
		return
	}

	arg := strings.Join(args, " ")
	s.count(strings.TrimSpace("stats " + arg))
	s.mu.Lock()
	stats, ok := s.statsLocked(arg)
	s.mu.Unlock()
	if !ok {
		w.WriteString("ERROR\r\n")
		return
	}
	for _, st := range stats {
		fmt.Fprintf(w, "STAT %s %s\r\n", st.name, st.value)
	}
	w.WriteString("END\r\n")
}

// ---------------------------------------------------------------------------
// Binary dialect
// ---------------------------------------------------------------------------

func (s *Server) handleBinary(conn net.Conn, r *bufio.Reader) {
	authed := s.Username == ""
	for {
		hdr := make([]byte, wire.HeaderLen)
		if _, err := io.ReadFull(r, hdr); err != nil {
			return
		}
		bodyLen := binary.BigEndian.Uint32(hdr[8:12])
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return
		}
		if s.stalled(r) {
			return
		}

		op := wire.Opcode(hdr[1])
		keyLen := int(binary.BigEndian.Uint16(hdr[2:4]))
		extLen := int(hdr[4])
		extras := body[:extLen]
		key := string(body[extLen : extLen+keyLen])
		value := body[extLen+keyLen:]

		var out []byte
		switch {
		case op == wire.OpSASLAuth:
			s.count("sasl")
			parts := strings.Split(string(value), "\x00")
			if key == "PLAIN" && len(parts) == 3 && parts[1] == s.Username && parts[2] == s.Password {
				authed = true
				out = wire.EncodeResponse(op, wire.StatusOK, nil, nil, nil)
			} else {
				out = wire.EncodeResponse(op, wire.StatusAuthError, nil, nil, []byte("Auth failure"))
			}
		case !authed:
			out = wire.EncodeResponse(op, wire.StatusAuthError, nil, nil, []byte("Auth failure"))
		case op == wire.OpStat:
			s.count(strings.TrimSpace("stats " + key))
			s.mu.Lock()
			stats, ok := s.statsLocked(key)
			s.mu.Unlock()
			if !ok {
				out = wire.EncodeResponse(op, wire.StatusKeyNotFound, nil, nil, []byte("Not found"))
				break
			}
			for _, st := range stats {
				out = append(out, wire.EncodeResponse(op, wire.StatusOK, nil, []byte(st.name), []byte(st.value))...)
			}
			out = append(out, wire.EncodeResponse(op, wire.StatusOK, nil, nil, nil)...)
		case op == wire.OpGet:
			s.count("get")
			s.mu.Lock()
			e, ok := s.lookupLocked(key)
			s.mu.Unlock()
			if !ok {
				out = wire.EncodeResponse(op, wire.StatusKeyNotFound, nil, nil, []byte("Not found"))
				break
			}
			flags := make([]byte, 4)
			binary.BigEndian.PutUint32(flags, e.flags)
			out = wire.EncodeResponse(op, wire.StatusOK, flags, nil, e.value)
		case op == wire.OpSet:
			s.count("set")
			if len(value) > s.maxValueSize() {
				out = wire.EncodeResponse(op, wire.StatusValueTooLarge, nil, nil, []byte("Too large."))
				break
			}
			flags, exptime := wire.FlagsAndExpiration(extras)
			s.mu.Lock()
			s.items[key] = entry{value: append([]byte(nil), value...), flags: flags, expiration: s.absExpiration(int64(exptime))}
			s.mu.Unlock()
			out = wire.EncodeResponse(op, wire.StatusOK, nil, nil, nil)
		case op == wire.OpDelete:
			s.count("delete")
			s.mu.Lock()
			_, ok := s.lookupLocked(key)
			delete(s.items, key)
			s.mu.Unlock()
			if ok {
				out = wire.EncodeResponse(op, wire.StatusOK, nil, nil, nil)
			} else {
				out = wire.EncodeResponse(op, wire.StatusKeyNotFound, nil, nil, []byte("Not found"))
			}
		case op == wire.OpFlush:
			s.count("flush_all")
			s.mu.Lock()
			s.items = make(map[string]entry)
			s.mu.Unlock()
			out = wire.EncodeResponse(op, wire.StatusOK, nil, nil, nil)
		default:
			out = wire.EncodeResponse(op, wire.StatusUnknownCommand, nil, nil, []byte("Unknown command"))
		}
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}
