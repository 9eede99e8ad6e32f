package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
)

// ErrAttemptActive is returned when another runner already holds the attempt.
var ErrAttemptActive = errors.New("attempt is already open in another runner")

// Compare-and-act scripts so a runner never touches a lock it no longer owns.
var (
	refreshLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RunnerLockService keeps a single live runner per (test, student) on the
// gateway. The quiz service stays the authority on completion; this lock only
// stops two windows from driving the same attempt at once.
type RunnerLockService struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// NewRunnerLockService creates a new RunnerLockService.
func NewRunnerLockService(rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *RunnerLockService {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &RunnerLockService{
		rdb: rdb,
		ttl: ttl,
		log: log.With().Str("component", "runner_lock").Logger(),
	}
}

// RunnerLock is one held lock.
type RunnerLock struct {
	svc   *RunnerLockService
	key   string
	owner string
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// Acquire takes the lock for (testID, studentID) and keeps it alive until
// Release. It returns ErrAttemptActive when the lock is held elsewhere.
func (s *RunnerLockService) Acquire(ctx context.Context, testID, studentID int64) (*RunnerLock, error) {
	key := config.CacheKey.RunnerLockKey(testID, studentID)
	owner := uuid.New().String()

	ok, err := s.rdb.SetNX(ctx, key, owner, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire runner lock: %w", err)
	}
	if !ok {
		return nil, ErrAttemptActive
	}

	l := &RunnerLock{
		svc:   s,
		key:   key,
		owner: owner,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.keepAlive()
	return l, nil
}

func (l *RunnerLock) keepAlive() {
	defer close(l.done)

	ticker := time.NewTicker(l.svc.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			n, err := refreshLockScript.Run(ctx, l.svc.rdb, []string{l.key}, l.owner, l.svc.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.svc.log.Warn().Err(err).Str("key", l.key).Msg("Runner lock refresh failed")
				continue
			}
			if n == 0 {
				l.svc.log.Warn().Str("key", l.key).Msg("Runner lock lost")
				return
			}
		}
	}
}

// Release stops the refresher and deletes the lock if still owned.
func (l *RunnerLock) Release(ctx context.Context) {
	released := false
	l.once.Do(func() {
		close(l.stop)
		released = true
	})
	if !released {
		return
	}
	<-l.done

	if err := releaseLockScript.Run(ctx, l.svc.rdb, []string{l.key}, l.owner).Err(); err != nil {
		l.svc.log.Warn().Err(err).Str("key", l.key).Msg("Runner lock release failed")
	}
}
