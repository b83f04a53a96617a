package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"github.com/codewandler/clstr-dispatch/core/gateway"
	"github.com/codewandler/clstr-dispatch/ports/kv"
)

// Policy gates one cache category.
type Policy struct {
	Enabled bool
	// TTL expires entries of the category; zero keeps them until deleted.
	TTL time.Duration
}

type Options struct {
	Log   *slog.Logger
	Store kv.Store

	Member   Policy
	Message  Policy
	Presence Policy
	// CaptureOld makes writes return the value they replaced. When off the
	// prior value is never read.
	CaptureOld bool

	Metrics StateMetrics
}

type Cache struct {
	log        *slog.Logger
	store      kv.Store
	policies   map[Category]Policy
	captureOld bool
	metrics    StateMetrics
}

func New(opts Options) (*Cache, error) {
	if opts.Store == nil {
		return nil, ErrNoStore
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = NopStateMetrics()
	}
	return &Cache{
		log:   log.With(slog.String("component", "state")),
		store: opts.Store,
		policies: map[Category]Policy{
			CategoryGuild:    {Enabled: true},
			CategoryChannel:  {Enabled: true},
			CategoryMember:   opts.Member,
			CategoryMessage:  opts.Message,
			CategoryPresence: opts.Presence,
		},
		captureOld: opts.CaptureOld,
		metrics:    m,
	}, nil
}

// With returns a cache with the same settings backed by store. Each
// long-running task uses its own store handle.
func (c *Cache) With(store kv.Store) *Cache {
	cp := *c
	cp.store = store
	return &cp
}

func (c *Cache) Store() kv.Store { return c.store }

func (c *Cache) Policy(cat Category) Policy { return c.policies[cat] }

func (c *Cache) Enabled(cat Category) bool { return c.policies[cat].Enabled }

func (c *Cache) CaptureOld() bool { return c.captureOld }

// Get returns the raw value stored under key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	e, err := c.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return e.Data, true, nil
}

// Set writes value under key. With capture-old enabled it returns the value
// it replaced; otherwise found is always false.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (old []byte, found bool, err error) {
	entry := kv.Entry{Data: value}
	opts := kv.PutOptions{TTL: ttl}
	if !c.captureOld {
		return nil, false, c.store.Put(ctx, key, entry, opts)
	}
	prev, found, err := c.store.Swap(ctx, key, entry, opts)
	if err != nil || !found {
		return nil, false, err
	}
	return prev.Data, true, nil
}

// Delete removes key. With capture-old enabled it returns the removed value.
func (c *Cache) Delete(ctx context.Context, key string) (old []byte, found bool, err error) {
	if c.captureOld {
		old, found, err = c.Get(ctx, key)
		if err != nil {
			return nil, false, err
		}
	}
	if err := c.store.Delete(ctx, key); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, false, err
	}
	return old, found, nil
}

func (c *Cache) setJSON(ctx context.Context, key string, v any, ttl time.Duration) ([]byte, bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false, fmt.Errorf("encode %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}

// Update applies ev to the cache and returns the value previously stored for
// the entity the event is about. Events of disabled categories and events
// that carry no entity are no-ops. botID identifies the bot's own member,
// which is cached even when the member category is disabled.
func (c *Cache) Update(ctx context.Context, ev gateway.Event, botID uint64) (old []byte, found bool, err error) {
	kind := string(ev.Kind())
	timer := c.metrics.UpdateDuration(kind)
	defer func() {
		timer.ObserveDuration()
		c.metrics.UpdateCompleted(kind, err == nil)
	}()

	switch e := ev.(type) {
	case gateway.GuildCreate:
		return c.putGuild(ctx, e.Guild, botID)
	case gateway.GuildUpdate:
		return c.putGuild(ctx, e.Guild, botID)
	case gateway.GuildDelete:
		if e.Unavailable {
			// outage, the guild is still joined
			return nil, false, nil
		}
		return c.Delete(ctx, GuildKey(e.ID))

	case gateway.ChannelCreate:
		return c.setJSON(ctx, ChannelKey(e.Channel.ID), e.Channel, 0)
	case gateway.ChannelUpdate:
		return c.setJSON(ctx, ChannelKey(e.Channel.ID), e.Channel, 0)
	case gateway.ChannelDelete:
		return c.Delete(ctx, ChannelKey(e.Channel.ID))

	case gateway.MemberAdd:
		return c.putMember(ctx, e.Member, botID)
	case gateway.MemberUpdate:
		return c.putMember(ctx, e.Member, botID)
	case gateway.MemberRemove:
		if !c.Enabled(CategoryMember) && e.User.ID != botID {
			return nil, false, nil
		}
		return c.Delete(ctx, MemberKey(e.GuildID, e.User.ID))

	case gateway.MessageCreate:
		return c.putMessage(ctx, e.Message)
	case gateway.MessageUpdate:
		return c.putMessage(ctx, e.Message)
	case gateway.MessageDelete:
		if !c.Enabled(CategoryMessage) {
			return nil, false, nil
		}
		return c.Delete(ctx, MessageKey(e.ChannelID, e.ID))

	case gateway.PresenceUpdate:
		return c.putPresence(ctx, e.Presence)
	}
	return nil, false, nil
}

// Stateful reports whether [Cache.Update] may write for ev.
func Stateful(ev gateway.Event) bool {
	switch ev.(type) {
	case gateway.GuildCreate, gateway.GuildUpdate, gateway.GuildDelete,
		gateway.ChannelCreate, gateway.ChannelUpdate, gateway.ChannelDelete,
		gateway.MemberAdd, gateway.MemberUpdate, gateway.MemberRemove,
		gateway.MessageCreate, gateway.MessageUpdate, gateway.MessageDelete,
		gateway.PresenceUpdate:
		return true
	}
	return false
}

// putGuild stores the guild record and the entities it embeds. The returned
// value is the previous guild record.
func (c *Cache) putGuild(ctx context.Context, g gateway.Guild, botID uint64) ([]byte, bool, error) {
	record := g
	record.Channels, record.Members, record.Presences = nil, nil, nil

	old, found, err := c.setJSON(ctx, GuildKey(g.ID), record, 0)
	if err != nil {
		return nil, false, err
	}

	var errs []error
	for _, ch := range g.Channels {
		ch.GuildID = g.ID
		if _, _, err := c.setJSON(ctx, ChannelKey(ch.ID), ch, 0); err != nil {
			errs = append(errs, err)
		}
	}
	for _, m := range g.Members {
		m.GuildID = g.ID
		if _, _, err := c.putMember(ctx, m, botID); err != nil {
			errs = append(errs, err)
		}
	}
	for _, p := range g.Presences {
		p.GuildID = g.ID
		if _, _, err := c.putPresence(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return old, found, errors.Join(errs...)
}

// putMember stores m under the member policy. The bot's own member is always
// stored, without TTL when the category is disabled, and recorded under
// [SelfKey] so that cleanup can tell it apart from other members.
func (c *Cache) putMember(ctx context.Context, m gateway.Member, botID uint64) ([]byte, bool, error) {
	p := c.Policy(CategoryMember)
	self := botID != 0 && m.User.ID == botID
	if !p.Enabled {
		if !self {
			return nil, false, nil
		}
		p.TTL = 0
	}
	old, found, err := c.setJSON(ctx, MemberKey(m.GuildID, m.User.ID), m, p.TTL)
	if err == nil && self {
		err = kv.Put(ctx, c.store, SelfKey, botID, kv.PutOptions{})
	}
	return old, found, err
}

func (c *Cache) putMessage(ctx context.Context, m gateway.Message) ([]byte, bool, error) {
	p := c.Policy(CategoryMessage)
	if !p.Enabled {
		return nil, false, nil
	}
	return c.setJSON(ctx, MessageKey(m.ChannelID, m.ID), m, p.TTL)
}

func (c *Cache) putPresence(ctx context.Context, pr gateway.Presence) ([]byte, bool, error) {
	p := c.Policy(CategoryPresence)
	if !p.Enabled {
		return nil, false, nil
	}
	return c.setJSON(ctx, PresenceKey(pr.GuildID, pr.UserID), pr, p.TTL)
}
