package keyindex

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/yndnr/memscope-go/internal/core/domain"
	"github.com/yndnr/memscope-go/internal/transport"
)

// ListOptions filters a key listing.
type ListOptions struct {
	// Search keeps keys that contain it (case-insensitive) or match it as a
	// case-insensitive regular expression. Empty keeps everything.
	Search string
	// Limit caps the number of keys resolved; 0 means no cap.
	Limit int
}

// matcher returns the key predicate for search.
func matcher(search string) func(string) bool {
	if search == "" {
		return func(string) bool { return true }
	}
	needle := strings.ToLower(search)
	re, err := regexp.Compile("(?i)" + search)
	if err != nil {
		re = nil
	}
	return func(key string) bool {
		if strings.Contains(strings.ToLower(key), needle) {
			return true
		}
		return re != nil && re.MatchString(key)
	}
}

// introspect dumps every slab of a text-dialect server. A slab that fails to
// dump is logged and skipped; failing to list slabs is an error.
func (e *Engine) introspect(ctx context.Context, target transport.Target) (map[string]domain.Item, error) {
	slabStats, err := e.cache.Stats(ctx, target, "slabs")
	if err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		found = make(map[string]domain.Item)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.DumpConcurrency)
	for _, id := range domain.SlabIDs(slabStats) {
		g.Go(func() error {
			items, err := e.cache.Dump(gctx, target, id, e.cfg.DumpLimit)
			if err != nil {
				e.logger.Warn("slab dump failed", "address", target.Address, "slab", id, "error", err)
				return nil
			}
			mu.Lock()
			for _, it := range items {
				found[it.Key] = it
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return found, nil
}

type fetched struct {
	item    domain.Item
	ok      bool
	missing bool
}

// fetch resolves values for keys with at most FetchConcurrency calls in
// flight. Failures leave ok unset for that key only.
func (e *Engine) fetch(ctx context.Context, target transport.Target, keys []string) []fetched {
	out := make([]fetched, len(keys))
	var g errgroup.Group
	g.SetLimit(e.cfg.FetchConcurrency)
	for i, k := range keys {
		g.Go(func() error {
			item, found, err := e.cache.Get(ctx, target, k)
			switch {
			case err != nil:
				e.logger.Debug("value fetch failed", "address", target.Address, "key", k, "error", err)
			case !found:
				out[i].missing = true
			default:
				out[i] = fetched{item: item, ok: true}
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ListKeys returns the filtered, sorted keys of target with their values.
//
// Authenticated (binary) targets are served from the index alone. Text
// targets combine slab introspection with the index. Keys that cannot be
// fetched are dropped. A reindex with the combined key set, minus keys
// confirmed missing, is scheduled before returning. When the stored index
// could not be read, introspected keys are only merged into it.
func (e *Engine) ListKeys(ctx context.Context, target transport.Target, opts ListOptions) ([]domain.KeyInfo, error) {
	var introspected map[string]domain.Item
	if target.Dialect == domain.DialectText {
		var err error
		introspected, err = e.introspect(ctx, target)
		if err != nil {
			return nil, err
		}
	}

	all, indexed := e.ReadIndex(ctx, target)
	for k := range introspected {
		all = append(all, k)
	}
	all = SortedUnique(withoutReserved(all))

	match := matcher(opts.Search)
	selected := make([]string, 0, len(all))
	for _, k := range all {
		if !match(k) {
			continue
		}
		selected = append(selected, k)
		if opts.Limit > 0 && len(selected) == opts.Limit {
			break
		}
	}

	results := e.fetch(ctx, target, selected)

	now := e.cfg.Now()
	missing := make(map[string]struct{})
	infos := make([]domain.KeyInfo, 0, len(selected))
	for i, k := range selected {
		r := results[i]
		if r.missing {
			missing[k] = struct{}{}
		}
		if !r.ok {
			continue
		}
		info := domain.KeyInfo{
			Key:                       k,
			Value:                     string(r.item.Value),
			TimeUntilExpirationSecond: -1,
			SizeBytes:                 len(r.item.Value),
		}
		if it, ok := introspected[k]; ok {
			info.TimeUntilExpirationSecond = it.TTL(now)
			if it.Size > 0 {
				info.SizeBytes = it.Size
			}
		}
		infos = append(infos, info)
	}

	if indexed {
		keep := make([]string, 0, len(all))
		for _, k := range all {
			if _, gone := missing[k]; !gone {
				keep = append(keep, k)
			}
		}
		e.ScheduleReindex(target, keep)
	} else if len(introspected) > 0 {
		// The stored index was not read, so only merge into it. The add task
		// rereads it and gives up if it is still unreadable.
		seen := make([]string, 0, len(introspected))
		for k := range introspected {
			if _, gone := missing[k]; !gone && !IsReserved(k) {
				seen = append(seen, k)
			}
		}
		e.ScheduleAdd(target, seen...)
	}

	return infos, nil
}
