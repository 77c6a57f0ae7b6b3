// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package parallel spreads index ranges over the CPUs. Protocol code uses it
// for the share-wise work between message exchanges, where the ranges are
// large and the per-index work is uniform.
package parallel

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

func divup(a, b int64) int64 {
	return (a + b - 1) / b
}

// split partitions the range [begin, end) into task count and chunk size:
// one chunk per processor, but no chunk smaller than grain.
func split(begin, end, grain int64) (tasks, chunk int64) {
	span := end - begin
	if span < grain {
		return 1, span
	}

	chunk = divup(span, int64(runtime.GOMAXPROCS(0)))
	if chunk < grain {
		chunk = grain
	}

	return divup(span, chunk), chunk
}

// For calls fn over disjoint sub-ranges covering [begin, end), concurrently
// when the range is at least grain large. The first error cancels nothing
// but is returned after every sub-range finished.
func For(begin, end, grain int64, fn func(begin, end int64) error) error {
	if grain < 1 {
		return fmt.Errorf("grain size %d is not positive", grain)
	}
	if begin >= end {
		return nil
	}

	tasks, chunk := split(begin, end, grain)
	if tasks == 1 {
		return fn(begin, end)
	}

	var group errgroup.Group
	for task := int64(0); task < tasks; task++ {
		start := begin + task*chunk
		stop := start + chunk
		if stop > end {
			stop = end
		}

		group.Go(func() error {
			return fn(start, stop)
		})
	}

	return group.Wait()
}

// Reduce folds fn over disjoint sub-ranges covering [begin, end) and merges
// the per-range partials with combine, in range order, starting from
// identity. fn receives identity as its accumulator seed.
func Reduce[T any](begin, end, grain int64, identity T,
	fn func(begin, end int64, identity T) (T, error),
	combine func(a, b T) T) (T, error) {

	if grain < 1 {
		return identity, fmt.Errorf("grain size %d is not positive", grain)
	}
	if begin >= end {
		return identity, nil
	}

	tasks, chunk := split(begin, end, grain)
	if tasks == 1 {
		return fn(begin, end, identity)
	}

	partials := make([]T, tasks)

	var group errgroup.Group
	for task := int64(0); task < tasks; task++ {
		task := task
		start := begin + task*chunk
		stop := start + chunk
		if stop > end {
			stop = end
		}

		group.Go(func() error {
			partial, err := fn(start, stop, identity)
			if err != nil {
				return err
			}
			partials[task] = partial

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return identity, err
	}

	result := identity
	for _, partial := range partials {
		result = combine(result, partial)
	}

	return result, nil
}
