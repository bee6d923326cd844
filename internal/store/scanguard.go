package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ScanGuard serializes scan processing through Redis. It holds two kinds of
// keys: a short cooldown per scanner device that suppresses rapid re-scans,
// and a per (teacher, course, day) lock that makes the read-then-write inside
// RecordScan single-writer. State lives in Redis, not the process, so limits
// hold across service instances.
type ScanGuard struct {
	client   *redis.Client
	cooldown time.Duration
	lockTTL  time.Duration
}

// NewScanGuard builds a guard with the given cooldown and lock windows.
func NewScanGuard(client *redis.Client, cooldown, lockTTL time.Duration) *ScanGuard {
	if cooldown <= 0 {
		cooldown = 3 * time.Second
	}
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	return &ScanGuard{client: client, cooldown: cooldown, lockTTL: lockTTL}
}

// AllowDevice reports whether the device is outside its cooldown window and
// starts a new window when it is.
func (g *ScanGuard) AllowDevice(ctx context.Context, deviceID string) (bool, error) {
	key := fmt.Sprintf("qrattend:cooldown:%s", deviceID)
	return g.client.SetNX(ctx, key, 1, g.cooldown).Result()
}

// AcquireScanLock takes the per-key lock for one RecordScan pass. It returns
// a release func on success and ok=false when another scan holds the key.
func (g *ScanGuard) AcquireScanLock(ctx context.Context, teacherID, courseID, day string) (release func(), ok bool, err error) {
	key := fmt.Sprintf("qrattend:scanlock:%s:%s:%s", teacherID, courseID, day)
	ok, err = g.client.SetNX(ctx, key, 1, g.lockTTL).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = g.client.Del(ctx, key).Err()
	}, true, nil
}
