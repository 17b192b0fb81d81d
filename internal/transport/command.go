package transport

import (
	"strconv"
	"strings"

	"github.com/yndnr/memscope-go/internal/core/domain"
	"github.com/yndnr/memscope-go/internal/protocol/wire"
)

// Command is one request against a cache server. The set of commands is
// closed; every implementation lives in this file.
type Command interface {
	// Name is the metric and log label of the command.
	Name() string
	command()
}

// StatsCommand fetches general statistics (empty Arg) or one category.
type StatsCommand struct {
	Arg string
}

// DumpCommand lists up to Limit items from one slab. Text dialect only.
type DumpCommand struct {
	SlabID int
	Limit  int
}

// GetCommand fetches one value.
type GetCommand struct {
	Key string
}

// SetCommand stores one value. TTL is in seconds, 0 means no expiration.
type SetCommand struct {
	Key   string
	Value []byte
	TTL   uint32
}

// DeleteCommand removes one key.
type DeleteCommand struct {
	Key string
}

// FlushCommand invalidates every item on the server.
type FlushCommand struct{}

func (StatsCommand) command()  {}
func (DumpCommand) command()   {}
func (GetCommand) command()    {}
func (SetCommand) command()    {}
func (DeleteCommand) command() {}
func (FlushCommand) command()  {}

func (StatsCommand) Name() string  { return "stats" }
func (DumpCommand) Name() string   { return "cachedump" }
func (GetCommand) Name() string    { return "get" }
func (SetCommand) Name() string    { return "set" }
func (DeleteCommand) Name() string { return "delete" }
func (FlushCommand) Name() string  { return "flush" }

// ParseCommand turns free command text into a Command. Only statistics and
// slab dumps can be expressed this way.
func ParseCommand(text string) (Command, error) {
	req, err := wire.ParseCommand(text)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(text)
	if req.Op == wire.TextDump {
		// wire.ParseCommand already validated both integers.
		slab, _ := strconv.Atoi(fields[2])
		limit, _ := strconv.Atoi(fields[3])
		return DumpCommand{SlabID: slab, Limit: limit}, nil
	}
	if len(fields) == 2 {
		return StatsCommand{Arg: fields[1]}, nil
	}
	return StatsCommand{}, nil
}

// encodeText builds the text request for cmd.
func encodeText(cmd Command) (wire.TextRequest, error) {
	switch c := cmd.(type) {
	case StatsCommand:
		return wire.StatsRequest(c.Arg)
	case DumpCommand:
		return wire.DumpRequest(c.SlabID, c.Limit)
	case GetCommand:
		return wire.GetRequest(c.Key), nil
	case SetCommand:
		return wire.SetRequest(c.Key, c.Value, c.TTL), nil
	case DeleteCommand:
		return wire.DeleteRequest(c.Key), nil
	case FlushCommand:
		return wire.FlushRequest(), nil
	default:
		return wire.TextRequest{}, domain.ErrUnsupportedCommand.WithDetailsf("%T", cmd)
	}
}

// encodeBinary builds the binary request frame for cmd.
func encodeBinary(cmd Command) ([]byte, error) {
	switch c := cmd.(type) {
	case StatsCommand:
		return wire.EncodeStat(strings.TrimSpace(c.Arg)), nil
	case DumpCommand:
		return nil, domain.ErrUnsupportedCommand.WithDetails("slab item dump is not available on authenticated connections")
	case GetCommand:
		return wire.EncodeGet(c.Key), nil
	case SetCommand:
		return wire.EncodeSet(c.Key, c.Value, c.TTL), nil
	case DeleteCommand:
		return wire.EncodeDelete(c.Key), nil
	case FlushCommand:
		return wire.EncodeFlush(), nil
	default:
		return nil, domain.ErrUnsupportedCommand.WithDetailsf("%T", cmd)
	}
}
