package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeromicro/go-zero/core/logx"
)

// mirrorState is the wire form persisted to redis. The in-process limiter is
// authoritative; the mirror only seeds fresh processes and dashboards.
type mirrorState struct {
	Name      string                    `msgpack:"name"`
	Endpoints map[string]*endpointState `msgpack:"endpoints"`
	SavedAt   time.Time                 `msgpack:"saved_at"`
}

func mirrorKey(name string) string {
	return fmt.Sprintf("rate_limiter:%s", name)
}

// SaveState mirrors the current endpoint state to redis with the configured TTL.
func (l *Limiter) SaveState(ctx context.Context, rdb *redis.Client) error {
	if rdb == nil {
		return nil
	}
	l.mu.Lock()
	st := mirrorState{
		Name:      l.cfg.Name,
		Endpoints: make(map[string]*endpointState, len(l.endpoints)),
		SavedAt:   l.now(),
	}
	for k, v := range l.endpoints {
		cp := *v
		st.Endpoints[k] = &cp
	}
	ttl := time.Duration(l.cfg.MirrorTTLSeconds) * time.Second
	l.mu.Unlock()

	b, err := msgpack.Marshal(&st)
	if err != nil {
		return fmt.Errorf("ratelimit: encode mirror state: %w", err)
	}
	if err := rdb.Set(ctx, mirrorKey(st.Name), b, ttl).Err(); err != nil {
		return fmt.Errorf("ratelimit: save mirror state: %w", err)
	}
	return nil
}

// LoadState seeds endpoint state from a prior mirror. Endpoints already
// tracked locally are left untouched.
func (l *Limiter) LoadState(ctx context.Context, rdb *redis.Client) error {
	if rdb == nil {
		return nil
	}
	b, err := rdb.Get(ctx, mirrorKey(l.cfg.Name)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ratelimit: load mirror state: %w", err)
	}
	var st mirrorState
	if err := msgpack.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("ratelimit: decode mirror state: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	restored := 0
	for k, v := range st.Endpoints {
		if _, exists := l.endpoints[k]; exists {
			continue
		}
		cp := *v
		cp.Rate = clampRate(cp.Rate, l.cfg.MinRate, l.cfg.MaxRate)
		l.endpoints[k] = &cp
		restored++
	}
	if restored > 0 {
		logx.Infof("ratelimit: %s restored mirror endpoints=%d saved_at=%s", l.cfg.Name, restored, st.SavedAt.Format(time.RFC3339))
	}
	return nil
}
