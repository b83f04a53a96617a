package kv

import (
	"context"
	"strings"
)

// Prefixed namespaces every key of s under "<prefix>:".
type Prefixed struct {
	s      Store
	prefix string
}

func NewPrefixed(s Store, prefix string) *Prefixed {
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &Prefixed{s: s, prefix: prefix}
}

func (p *Prefixed) key(k string) string { return p.prefix + k }

func (p *Prefixed) Put(ctx context.Context, key string, entry Entry, opts PutOptions) error {
	return p.s.Put(ctx, p.key(key), entry, opts)
}

func (p *Prefixed) Get(ctx context.Context, key string) (Entry, error) {
	return p.s.Get(ctx, p.key(key))
}

func (p *Prefixed) Swap(ctx context.Context, key string, entry Entry, opts PutOptions) (Entry, bool, error) {
	return p.s.Swap(ctx, p.key(key), entry, opts)
}

func (p *Prefixed) Delete(ctx context.Context, key string) error {
	return p.s.Delete(ctx, p.key(key))
}

func (p *Prefixed) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := p.s.Keys(ctx, p.key(prefix))
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, p.prefix)
	}
	return keys, nil
}

func (p *Prefixed) Ping(ctx context.Context) error { return p.s.Ping(ctx) }

func (p *Prefixed) Close() error { return p.s.Close() }

// PrefixedOpener wraps every store returned by open with [NewPrefixed].
func PrefixedOpener(open Opener, prefix string) Opener {
	return func(ctx context.Context) (Store, error) {
		s, err := open(ctx)
		if err != nil {
			return nil, err
		}
		return NewPrefixed(s, prefix), nil
	}
}

var _ Store = (*Prefixed)(nil)
