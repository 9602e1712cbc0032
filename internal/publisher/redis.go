package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"bus-tracker/internal/transit"
)

const (
	keyPrefix          = "bus-tracker:vehicle:"
	defaultMirrorQueue = 1024
)

type MirrorMetrics interface {
	RedisWriteInc()
	RedisErrInc()
	RedisDropInc()
}

// setter is the part of *redis.Client the mirror writes through.
type setter interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisMirror keeps the latest position of every vehicle in Redis under a
// key that expires with the fleet stale window. Writes happen on Run's
// goroutine; Enqueue never blocks and drops updates when the queue is full.
type RedisMirror struct {
	rdb     setter
	client  *redis.Client
	ttl     time.Duration
	queue   chan transit.VehiclePosition
	metrics MirrorMetrics
}

func NewRedisMirror(ctx context.Context, addr string, db int, ttl time.Duration, m MirrorMetrics) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	r := newRedisMirror(client, ttl, defaultMirrorQueue, m)
	r.client = client
	return r, nil
}

func newRedisMirror(rdb setter, ttl time.Duration, size int, m MirrorMetrics) *RedisMirror {
	return &RedisMirror{
		rdb:     rdb,
		ttl:     ttl,
		queue:   make(chan transit.VehiclePosition, size),
		metrics: m,
	}
}

// Key is the Redis key holding the latest position of vehicleID.
func Key(vehicleID string) string { return keyPrefix + vehicleID }

// Enqueue schedules v for mirroring.
func (r *RedisMirror) Enqueue(v transit.VehiclePosition) {
	select {
	case r.queue <- v:
	default:
		if r.metrics != nil {
			r.metrics.RedisDropInc()
		}
	}
}

// Run writes queued positions until ctx is done.
func (r *RedisMirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-r.queue:
			r.write(ctx, v)
		}
	}
}

func (r *RedisMirror) write(ctx context.Context, v transit.VehiclePosition) {
	b, err := json.Marshal(NewPositionMessage(v))
	if err == nil {
		err = r.rdb.Set(ctx, Key(v.VehicleID), b, r.ttl).Err()
	}
	if err != nil {
		log.Printf("redis mirror %s: %v", v.VehicleID, err)
		if r.metrics != nil {
			r.metrics.RedisErrInc()
		}
		return
	}
	if r.metrics != nil {
		r.metrics.RedisWriteInc()
	}
}

func (r *RedisMirror) Close() {
	if r.client != nil {
		r.client.Close()
	}
}
