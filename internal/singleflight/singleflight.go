// Package singleflight is a typed, context-aware front for
// golang.org/x/sync/singleflight.
package singleflight

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/IvanBrykalov/quorumcache/internal/util"
)

// Group coalesces concurrent loads for the same key. The first caller runs
// fn; the others share its result.
//
// A caller whose ctx ends stops waiting and gets ctx.Err(). The load itself
// keeps running for the remaining callers, so fn should observe its own
// context if it must stop early.
type Group[K comparable, V any] struct {
	g singleflight.Group
}

// Do runs fn once per in-flight key.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) (V, error) {
	ch := g.g.DoChan(util.KeyString(key), func() (any, error) {
		v, err := fn()
		return v, err
	})
	select {
	case r := <-ch:
		v, _ := r.Val.(V)
		return v, r.Err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}
