package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis is a Store backed by a Redis instance shared by both participants.
// Values live at "<prefix>:<path>"; every mutation is also published on a
// single events channel, which each client fans out to its subscribers.
// Per-path writer order holds for a single writer; the engines are designed
// so each logical key has one writer role anyway.
type Redis struct {
	client  *redis.Client
	prefix  string
	channel string
	logger  *zap.Logger

	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[int]*redisSub
	nextID int
	closed bool
}

// wireEvent is the published change notification.
type wireEvent struct {
	Op    string          `json:"op"` // "put" or "remove"
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// NewRedis connects to addr and starts the change-feed dispatcher.
func NewRedis(ctx context.Context, addr, prefix string, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	dispatchCtx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		client:  client,
		prefix:  prefix,
		channel: prefix + ":events",
		logger:  logger,
		cancel:  cancel,
		subs:    make(map[int]*redisSub),
	}
	go r.dispatch(dispatchCtx)
	return r, nil
}

func (r *Redis) key(path string) string { return r.prefix + ":" + path }

func (r *Redis) pathOf(key string) string {
	return strings.TrimPrefix(key, r.prefix+":")
}

// Write implements Store.
func (r *Redis) Write(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return r.put(ctx, path, raw)
}

func (r *Redis) put(ctx context.Context, path string, raw json.RawMessage) error {
	payload, _ := json.Marshal(wireEvent{Op: "put", Path: path, Value: raw})
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(path), []byte(raw), 0)
		pipe.Publish(ctx, r.channel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Push implements Store. A shared counter hands out zero-padded sequence
// keys so lexicographic order matches insertion order across both clients.
func (r *Redis) Push(ctx context.Context, path string, value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", path, err)
	}
	seq, err := r.client.Incr(ctx, r.prefix+":seq").Result()
	if err != nil {
		return "", fmt.Errorf("push %s: %w", path, err)
	}
	key := fmt.Sprintf("%020d", seq)
	if err := r.put(ctx, Join(path, key), raw); err != nil {
		return "", err
	}
	return key, nil
}

// Remove implements Store.
func (r *Redis) Remove(ctx context.Context, path string) error {
	keys, err := r.scan(ctx, path)
	if err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	for _, k := range keys {
		p := r.pathOf(k)
		payload, _ := json.Marshal(wireEvent{Op: "remove", Path: p})
		if _, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, k)
			pipe.Publish(ctx, r.channel, payload)
			return nil
		}); err != nil {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// scan returns the backend keys at or under path, sorted.
func (r *Redis) scan(ctx context.Context, path string) ([]string, error) {
	var keys []string
	exact := r.key(path)
	if n, err := r.client.Exists(ctx, exact).Result(); err != nil {
		return nil, err
	} else if n > 0 {
		keys = append(keys, exact)
	}

	iter := r.client.Scan(ctx, 0, exact+"/*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// AtomicUpdate implements Store using an optimistic WATCH transaction,
// retried until it applies against a stable read.
func (r *Redis) AtomicUpdate(ctx context.Context, path string, fn func(cur json.RawMessage) (any, error)) error {
	key := r.key(path)
	for {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				cur = nil
			} else if err != nil {
				return err
			}

			next, err := fn(cur)
			if err != nil {
				return err
			}

			if next == nil {
				payload, _ := json.Marshal(wireEvent{Op: "remove", Path: path})
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					pipe.Publish(ctx, r.channel, payload)
					return nil
				})
				return err
			}

			raw, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("marshal %s: %w", path, err)
			}
			payload, _ := json.Marshal(wireEvent{Op: "put", Path: path, Value: raw})
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, raw, 0)
				pipe.Publish(ctx, r.channel, payload)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue // concurrent writer, retry
		}
		return err
	}
}

// redisSub buffers events per subscriber. Live events arriving while the
// initial replay scan runs are parked in pending and appended after it, so
// the replay-then-live ordering of the contract holds (duplicates allowed).
type redisSub struct {
	prefix  string
	handler Handler

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []Event
	pending   []Event
	replaying bool
	done      bool
}

func newRedisSub(prefix string, h Handler) *redisSub {
	s := &redisSub{prefix: prefix, handler: h, replaying: true}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *redisSub) enqueueLive(evt Event) {
	s.mu.Lock()
	if !s.done {
		if s.replaying {
			s.pending = append(s.pending, evt)
		} else {
			s.queue = append(s.queue, evt)
			s.cond.Signal()
		}
	}
	s.mu.Unlock()
}

func (s *redisSub) finishReplay(replay []Event) {
	s.mu.Lock()
	if !s.done {
		s.queue = append(append(s.queue, replay...), s.pending...)
		s.pending = nil
		s.replaying = false
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *redisSub) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.done {
			s.cond.Wait()
		}
		if s.done {
			s.mu.Unlock()
			return
		}
		evt := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.handler(evt)
	}
}

func (s *redisSub) stop() {
	s.mu.Lock()
	s.done = true
	s.queue = nil
	s.pending = nil
	s.cond.Signal()
	s.mu.Unlock()
}

// Subscribe implements Store.
func (r *Redis) Subscribe(path string, h Handler) func() {
	sub := newRedisSub(path, h)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return func() {}
	}
	id := r.nextID
	r.nextID++
	r.subs[id] = sub
	r.mu.Unlock()

	go sub.run()

	// Replay the current subtree in the background; live events queue up
	// behind it inside the subscription.
	go func() {
		ctx := context.Background()
		keys, err := r.scan(ctx, path)
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("subtree replay failed", zap.String("path", path), zap.Error(err))
			}
			sub.finishReplay(nil)
			return
		}
		var replay []Event
		for _, k := range keys {
			val, err := r.client.Get(ctx, k).Bytes()
			if err != nil {
				continue // removed between scan and read
			}
			replay = append(replay, Event{Op: OpPut, Path: r.pathOf(k), Value: val})
		}
		sub.finishReplay(replay)
	}()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
		sub.stop()
	}
}

// dispatch pumps the shared events channel into matching subscribers.
func (r *Redis) dispatch(ctx context.Context) {
	ps := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = ps.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ps.Channel():
			if !ok {
				return
			}
			var we wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &we); err != nil {
				if r.logger != nil {
					r.logger.Warn("malformed change event", zap.Error(err))
				}
				continue
			}
			evt := Event{Path: we.Path, Value: we.Value}
			if we.Op == "remove" {
				evt.Op = OpRemove
				evt.Value = nil
			}

			r.mu.Lock()
			for _, s := range r.subs {
				if Under(s.prefix, evt.Path) {
					s.enqueueLive(evt)
				}
			}
			r.mu.Unlock()
		}
	}
}

// Close implements Store.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[int]*redisSub)
	r.mu.Unlock()

	r.cancel()
	for _, s := range subs {
		s.stop()
	}
	return r.client.Close()
}
