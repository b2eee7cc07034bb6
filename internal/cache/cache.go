// Package cache stores rendered reports between imports.
package cache

import (
	"context"
	"time"
)

// DefaultTTL bounds how long an entry lives when no TTL is configured.
const DefaultTTL = time.Hour

// Cache is a byte store keyed by string. A miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	// Invalidate drops every entry.
	Invalidate(ctx context.Context) error
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (Nop) Set(context.Context, string, []byte) error         { return nil }
func (Nop) Invalidate(context.Context) error                  { return nil }
