package coordination

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// FakeStore is an in-memory implementation of Store, mandatory per
// spec.md's design notes for exercising dispatcher/worker/zombie logic
// without a running Redis instance. Tests can be written once against the
// Store interface and run against either implementation. TTL expiry covers
// plain keys only: Expire on a hash, set or sorted set is a no-op here,
// unlike RedisStore.
type FakeStore struct {
	mu sync.Mutex

	zsets map[string]map[string]float64
	sets  map[string]map[string]struct{}
	hash  map[string]map[string]string
	kv    map[string]fakeEntry

	subs map[string][]chan string
}

type fakeEntry struct {
	value   string
	expires time.Time // zero = no expiry
}

// NewFakeStore creates an empty in-memory coordination store.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		zsets: make(map[string]map[string]float64),
		sets:  make(map[string]map[string]struct{}),
		hash:  make(map[string]map[string]string),
		kv:    make(map[string]fakeEntry),
		subs:  make(map[string][]chan string),
	}
}

func (f *FakeStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.zsets[key] == nil {
		f.zsets[key] = make(map[string]float64)
	}
	f.zsets[key][member] = score
	return nil
}

func (f *FakeStore) ZRangeByScore(ctx context.Context, key string, max float64, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	type pair struct {
		member string
		score  float64
	}
	var pairs []pair
	for m, score := range f.zsets[key] {
		if score <= max {
			pairs = append(pairs, pair{m, score})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })
	if limit > 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.member
	}
	return out, nil
}

func (f *FakeStore) ZRem(ctx context.Context, key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.zsets[key], member)
	return nil
}

func (f *FakeStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked(key)
	if _, exists := f.kv[key]; exists {
		return false, nil
	}
	entry := fakeEntry{value: value}
	if ttl > 0 {
		entry.expires = time.Now().Add(ttl)
	}
	f.kv[key] = entry
	return true, nil
}

func (f *FakeStore) Del(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.kv, key)
	delete(f.zsets, key)
	delete(f.sets, key)
	delete(f.hash, key)
	return nil
}

func (f *FakeStore) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked(key)
	_, ok := f.kv[key]
	return ok, nil
}

func (f *FakeStore) SAdd(ctx context.Context, key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]struct{})
	}
	f.sets[key][member] = struct{}{}
	return nil
}

func (f *FakeStore) SRem(ctx context.Context, key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sets[key], member)
	return nil
}

func (f *FakeStore) SMembers(ctx context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sets[key]))
	for m := range f.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (f *FakeStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sets[key][member]
	return ok, nil
}

func (f *FakeStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hash[key] == nil {
		f.hash[key] = make(map[string]string)
	}
	for k, v := range fields {
		f.hash[key][k] = v
	}
	return nil
}

func (f *FakeStore) HMGet(ctx context.Context, key string, fields ...string) ([]string, []bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values := make([]string, len(fields))
	ok := make([]bool, len(fields))
	for i, field := range fields {
		if v, exists := f.hash[key][field]; exists {
			values[i] = v
			ok[i] = true
		}
	}
	return values, ok, nil
}

func (f *FakeStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.hash[key]))
	for k, v := range f.hash[key] {
		out[k] = v
	}
	return out, nil
}

func (f *FakeStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.kv[key]
	if !ok {
		return nil
	}
	entry.expires = time.Now().Add(ttl)
	f.kv[key] = entry
	return nil
}

func (f *FakeStore) Incr(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked(key)
	entry := f.kv[key]
	n, _ := strconv.ParseInt(entry.value, 10, 64)
	n++
	entry.value = strconv.FormatInt(n, 10)
	f.kv[key] = entry
	return n, nil
}

func (f *FakeStore) Decr(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked(key)
	entry := f.kv[key]
	n, _ := strconv.ParseInt(entry.value, 10, 64)
	n--
	entry.value = strconv.FormatInt(n, 10)
	f.kv[key] = entry
	return n, nil
}

func (f *FakeStore) Publish(ctx context.Context, channel, payload string) error {
	f.mu.Lock()
	subscribers := append([]chan string(nil), f.subs[channel]...)
	f.mu.Unlock()
	for _, ch := range subscribers {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (f *FakeStore) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	ch := make(chan string, 16)
	f.mu.Lock()
	f.subs[channel] = append(f.subs[channel], ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		subs := f.subs[channel]
		for i, c := range subs {
			if c == ch {
				f.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (f *FakeStore) Close() error { return nil }

// expireLocked removes key from kv if its TTL has passed. Caller must hold f.mu.
func (f *FakeStore) expireLocked(key string) {
	entry, ok := f.kv[key]
	if !ok {
		return
	}
	if !entry.expires.IsZero() && time.Now().After(entry.expires) {
		delete(f.kv, key)
	}
}

var _ Store = (*FakeStore)(nil)
