package confloader

import (
	"errors"

	"github.com/knadh/koanf/maps"
)

// ErrReadBytesNotSupported is returned by the override provider, which only
// serves maps.
var ErrReadBytesNotSupported = errors.New("confloader: override provider has no byte form")

// overrideProvider serves caller supplied settings to koanf. Keys may be
// dotted paths ("server.http.addr") or nested maps; both end up at the same
// place in the tree so they unmarshal into the matching struct fields.
type overrideProvider struct {
	values map[string]any
	delim  string
}

func (p overrideProvider) ReadBytes() ([]byte, error) {
	return nil, ErrReadBytesNotSupported
}

// Read returns the overrides as a nested map. The caller's map is not
// modified.
func (p overrideProvider) Read() (map[string]any, error) {
	flat := make(map[string]any, len(p.values))
	for k, v := range p.values {
		flat[k] = v
	}
	return maps.Unflatten(flat, p.delim), nil
}
