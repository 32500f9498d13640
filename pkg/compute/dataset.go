package compute

import (
	"context"
	"fmt"

	"github.com/OneOfOne/xxhash"
	"golang.org/x/sync/errgroup"

	"github.com/NivBraz/groupcount-service/internal/models"
)

// Source produces the partitions of a dataset.
type Source[T any] interface {
	// NumPartitions prepares the source and returns how many partitions it
	// has. hint is the session's preferred partition count.
	NumPartitions(ctx context.Context, hint int) (int, error)
	ReadPartition(ctx context.Context, index int) ([]T, error)
}

// Dataset is an immutable partitioned collection.
type Dataset[T any] struct {
	session *Session
	parts   [][]T
}

// Group is every value that shares a key.
type Group[T any] struct {
	Key    string
	Values []T
}

func (d *Dataset[T]) Session() *Session  { return d.session }
func (d *Dataset[T]) NumPartitions() int { return len(d.parts) }

// Partition returns the values of partition i.
func (d *Dataset[T]) Partition(i int) []T { return d.parts[i] }

// Count returns the number of elements across all partitions.
func (d *Dataset[T]) Count() int {
	n := 0
	for _, p := range d.parts {
		n += len(p)
	}
	return n
}

// FromSource reads every partition of src in parallel, at most
// s.Workers() at a time.
func FromSource[T any](ctx context.Context, s *Session, src Source[T]) (ds *Dataset[T], err error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	n, err := src.NumPartitions(ctx, s.partitions)
	if err != nil {
		return nil, fmt.Errorf("listing partitions: %w", err)
	}

	ctx, done := s.stage(ctx, "fromSource", n)
	defer func() { done(err) }()

	parts := make([][]T, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			values, err := src.ReadPartition(gctx, i)
			if err != nil {
				return fmt.Errorf("reading partition %d: %w", i, err)
			}
			parts[i] = values
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Dataset[T]{session: s, parts: parts}, nil
}

// Parallelize splits items into n contiguous partitions. n <= 0 uses the
// session's partition count.
func Parallelize[T any](s *Session, items []T, n int) (*Dataset[T], error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = s.partitions
	}
	parts := make([][]T, n)
	size := (len(items) + n - 1) / n
	for i := range parts {
		lo := min(i*size, len(items))
		hi := min(lo+size, len(items))
		parts[i] = items[lo:hi:hi]
	}
	return &Dataset[T]{session: s, parts: parts}, nil
}

// MapPartitions applies fn to every element, one goroutine per partition.
func MapPartitions[T, U any](ctx context.Context, d *Dataset[T], fn func(T) (U, error)) (out *Dataset[U], err error) {
	s := d.session
	if err := s.check(); err != nil {
		return nil, err
	}
	ctx, done := s.stage(ctx, "map", len(d.parts))
	defer func() { done(err) }()

	parts := make([][]U, len(d.parts))
	err = s.forEachPartition(ctx, len(d.parts), func(ctx context.Context, i int) error {
		in := d.parts[i]
		res := make([]U, 0, len(in))
		for _, v := range in {
			u, err := fn(v)
			if err != nil {
				return fmt.Errorf("partition %d: %w", i, err)
			}
			res = append(res, u)
		}
		parts[i] = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Dataset[U]{session: s, parts: parts}, nil
}

// GroupBy groups elements by key. Every partition is grouped locally,
// then groups are shuffled to s.Partitions() reducers by key hash and
// merged, so each key appears in exactly one output group. Values keep
// the order of the input partitions.
func GroupBy[T any](ctx context.Context, d *Dataset[T], key func(T) string) (out *Dataset[Group[T]], err error) {
	s := d.session
	if err := s.check(); err != nil {
		return nil, err
	}
	reducers := s.partitions
	ctx, done := s.stage(ctx, "groupBy", reducers)
	defer func() { done(err) }()

	// map side: shuffled[p][r] holds partition p's groups for reducer r
	shuffled := make([][][]Group[T], len(d.parts))
	err = s.forEachPartition(ctx, len(d.parts), func(ctx context.Context, p int) error {
		buckets := make([][]Group[T], reducers)
		index := make(map[string]int)
		for i, v := range d.parts[p] {
			if i%1024 == 0 && ctx.Err() != nil {
				return ctx.Err()
			}
			k := key(v)
			r := reducerFor(k, reducers)
			if j, ok := index[k]; ok {
				buckets[r][j].Values = append(buckets[r][j].Values, v)
				continue
			}
			index[k] = len(buckets[r])
			buckets[r] = append(buckets[r], Group[T]{Key: k, Values: []T{v}})
		}
		shuffled[p] = buckets
		return nil
	})
	if err != nil {
		return nil, err
	}

	// reduce side
	parts := make([][]Group[T], reducers)
	err = s.forEachPartition(ctx, reducers, func(ctx context.Context, r int) error {
		var merged []Group[T]
		index := make(map[string]int)
		for p := range shuffled {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			for _, g := range shuffled[p][r] {
				if j, ok := index[g.Key]; ok {
					merged[j].Values = append(merged[j].Values, g.Values...)
					continue
				}
				index[g.Key] = len(merged)
				merged = append(merged, g)
			}
		}
		parts[r] = merged
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Dataset[Group[T]]{session: s, parts: parts}, nil
}

// CountGroups reduces every group to its size.
func CountGroups[T any](ctx context.Context, d *Dataset[Group[T]]) (*Dataset[models.GroupCount], error) {
	return MapPartitions(ctx, d, func(g Group[T]) (models.GroupCount, error) {
		return models.GroupCount{Key: g.Key, Count: len(g.Values)}, nil
	})
}

// Collect returns every element, partitions concatenated in order.
func Collect[T any](ctx context.Context, d *Dataset[T]) (out []T, err error) {
	s := d.session
	if err := s.check(); err != nil {
		return nil, err
	}
	_, done := s.stage(ctx, "collect", len(d.parts))
	defer func() { done(err) }()

	out = make([]T, 0, d.Count())
	for _, p := range d.parts {
		out = append(out, p...)
	}
	return out, nil
}

// forEachPartition runs fn for partitions 0..n-1 with at most s.workers
// running at once.
func (s *Session) forEachPartition(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i)
		})
	}
	return g.Wait()
}

func reducerFor(key string, reducers int) int {
	return int(xxhash.ChecksumString64(key) % uint64(reducers))
}
