// Package lease is a Redis backed leader lease. One owner at a time holds a
// key with a TTL and keeps renewing it; the engine only runs while it does.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

var ErrLost = errors.New("lease lost")

// only the owner may extend or drop the key
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

type Lease struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

func New(client *redis.Client, key, owner string, ttl time.Duration) *Lease {
	return &Lease{client: client, key: key, owner: owner, ttl: ttl}
}

// Dial parses a redis:// url and pings the server.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
}

// Acquire blocks until the lease is held or ctx is done.
func (l *Lease) Acquire(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			log.Warnf("lease %s acquire failed: %v", l.key, err)
		} else if ok {
			log.Infof("lease %s acquired by %s", l.key, l.owner)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Lease) Renew(ctx context.Context) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Keep renews at a third of the ttl and returns ErrLost once another owner
// holds the key or renewals kept failing until the ttl ran out.
func (l *Lease) Keep(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	lastOK := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		ok, err := l.Renew(ctx)
		switch {
		case err != nil:
			log.Warnf("lease %s renew failed: %v", l.key, err)
			if time.Since(lastOK) >= l.ttl {
				return ErrLost
			}
		case !ok:
			return ErrLost
		default:
			lastOK = time.Now()
		}
	}
}

func (l *Lease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
}
