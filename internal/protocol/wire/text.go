package wire

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/yndnr/memscope-go/internal/core/domain"
)

// MaxTextReply bounds the buffered size of one text reply.
const MaxTextReply = 128 << 20

// DumpLimitMax is the largest per-slab item count accepted for a dump.
const DumpLimitMax = 1 << 20

var crlf = []byte("\r\n")

// TextOp is the kind of a text request. It decides which lines terminate the reply.
type TextOp int

// Text request kinds.
const (
	TextStats TextOp = iota
	TextDump
	TextGet
	TextSet
	TextDelete
	TextFlush
)

// String returns the command word.
func (op TextOp) String() string {
	switch op {
	case TextStats:
		return "stats"
	case TextDump:
		return "stats cachedump"
	case TextGet:
		return "get"
	case TextSet:
		return "set"
	case TextDelete:
		return "delete"
	case TextFlush:
		return "flush_all"
	default:
		return "unknown"
	}
}

// TextRequest is an encoded text request.
type TextRequest struct {
	Op   TextOp
	Line []byte // command line(s) including the trailing CRLF
}

// StatsRequest encodes "stats" or "stats <category>".
func StatsRequest(category string) (TextRequest, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return TextRequest{Op: TextStats, Line: []byte("stats\r\n")}, nil
	}
	if strings.EqualFold(category, "cachedump") || !isToken(category) {
		return TextRequest{}, domain.ErrUnsupportedCommand.WithDetailsf("stats %q", category)
	}
	return TextRequest{Op: TextStats, Line: []byte("stats " + category + "\r\n")}, nil
}

// DumpRequest encodes "stats cachedump <slab> <limit>".
func DumpRequest(slabID, limit int) (TextRequest, error) {
	if slabID <= 0 {
		return TextRequest{}, domain.ErrInvalidArgument.WithDetailsf("slab id %d", slabID)
	}
	if limit < 0 || limit > DumpLimitMax {
		return TextRequest{}, domain.ErrInvalidArgument.WithDetailsf("dump limit %d", limit)
	}
	line := "stats cachedump " + strconv.Itoa(slabID) + " " + strconv.Itoa(limit) + "\r\n"
	return TextRequest{Op: TextDump, Line: []byte(line)}, nil
}

// GetRequest encodes "get <key>". The key must already be validated.
func GetRequest(key string) TextRequest {
	return TextRequest{Op: TextGet, Line: []byte("get " + key + "\r\n")}
}

// SetRequest encodes "set <key> 0 <exptime> <bytes>" followed by the data block.
func SetRequest(key string, value []byte, expiration uint32) TextRequest {
	var b bytes.Buffer
	b.Grow(len(key) + len(value) + 48)
	b.WriteString("set ")
	b.WriteString(key)
	b.WriteString(" 0 ")
	b.WriteString(strconv.FormatUint(uint64(expiration), 10))
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(len(value)))
	b.Write(crlf)
	b.Write(value)
	b.Write(crlf)
	return TextRequest{Op: TextSet, Line: b.Bytes()}
}

// DeleteRequest encodes "delete <key>".
func DeleteRequest(key string) TextRequest {
	return TextRequest{Op: TextDelete, Line: []byte("delete " + key + "\r\n")}
}

// FlushRequest encodes "flush_all".
func FlushRequest() TextRequest {
	return TextRequest{Op: TextFlush, Line: []byte("flush_all\r\n")}
}

// ParseCommand accepts free command text from a caller. Only "stats",
// "stats <category>" and "stats cachedump <slab> <limit>" are supported;
// anything else fails with ErrUnsupportedCommand.
func ParseCommand(text string) (TextRequest, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return TextRequest{}, domain.ErrUnsupportedCommand.WithDetails("empty command")
	}
	if fields[0] != "stats" {
		return TextRequest{}, domain.ErrUnsupportedCommand.WithDetailsf("%q", fields[0])
	}
	switch {
	case len(fields) == 1:
		return StatsRequest("")
	case fields[1] == "cachedump":
		if len(fields) != 4 {
			return TextRequest{}, domain.ErrUnsupportedCommand.WithDetails("usage: stats cachedump <slab> <limit>")
		}
		slab, err1 := strconv.Atoi(fields[2])
		limit, err2 := strconv.Atoi(fields[3])
		if err1 != nil || err2 != nil {
			return TextRequest{}, domain.ErrUnsupportedCommand.WithDetails("cachedump arguments must be integers")
		}
		return DumpRequest(slab, limit)
	case len(fields) == 2:
		return StatsRequest(fields[1])
	default:
		return TextRequest{}, domain.ErrUnsupportedCommand.WithDetailsf("%q", text)
	}
}

func isToken(s string) bool {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c <= ' ' || c >= 0x7f {
			return false
		}
	}
	return s != ""
}

// TextScanner accumulates a text reply and detects its end.
//
// It scans complete lines only, remembering how far it got, so feeding a
// reply in many small pieces costs the same as feeding it whole. VALUE data
// blocks are skipped by their declared length and never mistaken for
// terminator lines.
type TextScanner struct {
	op   TextOp
	buf  []byte
	pos  int
	done bool
	err  error
}

// NewTextScanner returns a scanner for the reply to a request of kind op.
func NewTextScanner(op TextOp) *TextScanner {
	return &TextScanner{op: op}
}

// Feed appends bytes and reports whether the reply is complete. An error line
// (ERROR, CLIENT_ERROR, SERVER_ERROR) completes the reply with ErrProtocol.
func (s *TextScanner) Feed(p []byte) (bool, error) {
	if s.done {
		return true, s.err
	}
	s.buf = append(s.buf, p...)
	if len(s.buf) > MaxTextReply {
		s.done = true
		s.err = domain.ErrProtocol.WithDetailsf("reply exceeds %d bytes", MaxTextReply)
		return true, s.err
	}

	for !s.done {
		idx := bytes.Index(s.buf[s.pos:], crlf)
		if idx < 0 {
			return false, nil
		}
		line := s.buf[s.pos : s.pos+idx]
		next := s.pos + idx + 2

		if err := ErrorLine(line); err != nil {
			s.done = true
			s.err = err
			break
		}
		if s.op == TextGet && bytes.HasPrefix(line, []byte("VALUE ")) {
			_, _, n, err := parseValueHeader(line)
			if err != nil {
				s.done = true
				s.err = err
				break
			}
			if len(s.buf) < next+n+2 {
				return false, nil
			}
			next += n + 2
		} else if s.terminal(line) {
			s.done = true
		}
		s.pos = next
	}
	return true, s.err
}

// Bytes returns everything buffered so far.
func (s *TextScanner) Bytes() []byte {
	return s.buf
}

func (s *TextScanner) terminal(line []byte) bool {
	switch s.op {
	case TextStats, TextDump, TextGet:
		return string(line) == "END"
	case TextSet:
		switch string(line) {
		case "STORED", "NOT_STORED", "EXISTS", "NOT_FOUND":
			return true
		}
	case TextDelete:
		switch string(line) {
		case "DELETED", "NOT_FOUND":
			return true
		}
	case TextFlush:
		return string(line) == "OK"
	}
	return false
}

// ErrorLine returns ErrProtocol if line is one of the three error replies.
func ErrorLine(line []byte) error {
	s := string(line)
	switch {
	case s == "ERROR" || strings.HasPrefix(s, "ERROR "):
		return domain.ErrProtocol.WithDetails(s)
	case strings.HasPrefix(s, "CLIENT_ERROR"):
		return domain.ErrProtocol.WithDetails(s)
	case strings.HasPrefix(s, "SERVER_ERROR"):
		return domain.ErrProtocol.WithDetails(s)
	}
	return nil
}

// lines splits a complete reply into lines without the terminator line.
func lines(reply []byte) []string {
	var out []string
	for len(reply) > 0 {
		idx := bytes.Index(reply, crlf)
		if idx < 0 {
			break
		}
		line := string(reply[:idx])
		reply = reply[idx+2:]
		if line == "END" {
			break
		}
		out = append(out, line)
	}
	return out
}

// ParseStats parses "STAT <name> <value...>" lines. Values may contain spaces.
func ParseStats(reply []byte) (map[string]string, error) {
	stats := make(map[string]string)
	for _, line := range lines(reply) {
		if err := ErrorLine([]byte(line)); err != nil {
			return nil, err
		}
		rest, ok := strings.CutPrefix(line, "STAT ")
		if !ok {
			return nil, domain.ErrProtocol.WithDetailsf("unexpected stats line %q", line)
		}
		name, value, _ := strings.Cut(rest, " ")
		if name == "" {
			return nil, domain.ErrProtocol.WithDetailsf("unexpected stats line %q", line)
		}
		stats[name] = value
	}
	return stats, nil
}

// ParseDump parses "ITEM <key> [<size> b; <expiration> s]" lines.
// An expiration of 0 means the item never expires.
func ParseDump(reply []byte, slabID int) ([]domain.Item, error) {
	var items []domain.Item
	for _, line := range lines(reply) {
		if err := ErrorLine([]byte(line)); err != nil {
			return nil, err
		}
		item, err := ParseItemLine(line)
		if err != nil {
			return nil, err
		}
		item.SlabID = slabID
		items = append(items, item)
	}
	return items, nil
}

// ParseItemLine parses a single cachedump line.
func ParseItemLine(line string) (domain.Item, error) {
	rest, ok := strings.CutPrefix(line, "ITEM ")
	if !ok {
		return domain.Item{}, domain.ErrProtocol.WithDetailsf("unexpected dump line %q", line)
	}
	key, meta, ok := strings.Cut(rest, " ")
	if !ok || key == "" {
		return domain.Item{}, domain.ErrProtocol.WithDetailsf("malformed dump line %q", line)
	}
	meta = strings.TrimSpace(meta)
	meta = strings.TrimPrefix(meta, "[")
	meta = strings.TrimSuffix(meta, "]")

	item := domain.Item{Key: key}
	for _, part := range strings.Split(meta, ";") {
		fields := strings.Fields(part)
		if len(fields) != 2 {
			continue
		}
		n, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return domain.Item{}, domain.ErrProtocol.WithDetailsf("malformed dump line %q", line)
		}
		switch fields[1] {
		case "b":
			item.Size = int(n)
		case "s":
			item.Expiration = n
		}
	}
	return item, nil
}

func parseValueHeader(line []byte) (key string, flags uint32, n int, err error) {
	fields := strings.Fields(string(line))
	if len(fields) < 4 || fields[0] != "VALUE" {
		return "", 0, 0, domain.ErrProtocol.WithDetailsf("malformed value line %q", line)
	}
	f, err1 := strconv.ParseUint(fields[2], 10, 32)
	size, err2 := strconv.Atoi(fields[3])
	if err1 != nil || err2 != nil || size < 0 || size > MaxTextReply {
		return "", 0, 0, domain.ErrProtocol.WithDetailsf("malformed value line %q", line)
	}
	return fields[1], uint32(f), size, nil
}

// ParseValue extracts the first VALUE block of a get reply.
// It returns found=false for a bare END.
func ParseValue(reply []byte) (domain.Item, bool, error) {
	idx := bytes.Index(reply, crlf)
	if idx < 0 {
		return domain.Item{}, false, domain.ErrProtocol.WithDetails("truncated get reply")
	}
	line := reply[:idx]
	if string(line) == "END" {
		return domain.Item{}, false, nil
	}
	if err := ErrorLine(line); err != nil {
		return domain.Item{}, false, err
	}
	key, _, n, err := parseValueHeader(line)
	if err != nil {
		return domain.Item{}, false, err
	}
	data := reply[idx+2:]
	if len(data) < n+2 || !bytes.Equal(data[n:n+2], crlf) {
		return domain.Item{}, false, domain.ErrProtocol.WithDetails("truncated value block")
	}
	value := make([]byte, n)
	copy(value, data[:n])
	return domain.Item{Key: key, Value: value, Size: n}, true, nil
}

// StoreResult interprets a set reply.
func StoreResult(reply []byte) error {
	line := firstLine(reply)
	if line == "STORED" {
		return nil
	}
	if err := ErrorLine([]byte(line)); err != nil {
		return err
	}
	return domain.ErrProtocol.WithDetailsf("set: %s", line)
}

// DeleteResult interprets a delete reply. It returns false for NOT_FOUND.
func DeleteResult(reply []byte) (bool, error) {
	switch line := firstLine(reply); line {
	case "DELETED":
		return true, nil
	case "NOT_FOUND":
		return false, nil
	default:
		if err := ErrorLine([]byte(line)); err != nil {
			return false, err
		}
		return false, domain.ErrProtocol.WithDetailsf("delete: %s", line)
	}
}

// FlushResult interprets a flush_all reply.
func FlushResult(reply []byte) error {
	line := firstLine(reply)
	if line == "OK" {
		return nil
	}
	if err := ErrorLine([]byte(line)); err != nil {
		return err
	}
	return domain.ErrProtocol.WithDetailsf("flush_all: %s", line)
}

func firstLine(reply []byte) string {
	if idx := bytes.Index(reply, crlf); idx >= 0 {
		return string(reply[:idx])
	}
	return string(reply)
}
