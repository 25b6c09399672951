package offline0

import (
	"context"
	"fmt"

	"offline0/internal/partition"
)

// enforceQuota trims p back to limit entries by deleting the oldest ones in
// insertion order. It returns how many entries were evicted. Eviction runs
// after the write that triggered it, so concurrent writers may briefly
// exceed the limit.
func enforceQuota(ctx context.Context, p *partition.Partition, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	keys, err := p.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", p.Name(), err)
	}
	over := len(keys) - limit
	if over <= 0 {
		return 0, nil
	}
	evicted := 0
	for _, k := range keys[:over] {
		if err := p.Delete(ctx, k); err != nil {
			return evicted, fmt.Errorf("evict %s %q: %w", p.Name(), k, err)
		}
		evicted++
	}
	return evicted, nil
}
