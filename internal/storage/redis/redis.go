package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/michaelbrown/runbox/internal/storage"
)

const (
	queueKey         = "job_queue"
	jobKeyPrefix     = "job_"
	userJobsPrefix   = "user_jobs_"
	updatesPrefix    = "job_updates_"
	sessionKeyPrefix = "repl_session_"
)

// defaultPollWindow bounds each server-side BRPOP so a cancelled context is
// noticed. Callers of NextJob still wait indefinitely.
const defaultPollWindow = 5 * time.Second

// Options configures the Redis-backed store.
type Options struct {
	Addr       string
	Password   string
	DB         int
	SessionTTL time.Duration
	PollWindow time.Duration // whole seconds; at least one
}

// Store implements storage.Store on Redis.
type Store struct {
	rdb  *goredis.Client
	ttl  time.Duration
	poll time.Duration
}

var _ storage.Store = (*Store)(nil)

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, opts Options) (*Store, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}

	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}

	poll := opts.PollWindow
	if poll < time.Second {
		poll = defaultPollWindow
	}

	return &Store{rdb: rdb, ttl: ttl, poll: poll}, nil
}

func jobKey(id string) string     { return jobKeyPrefix + id }
func sessionKey(id string) string { return sessionKeyPrefix + id }

// UpdateChannel is the publish/subscribe topic for one job.
func UpdateChannel(id string) string { return updatesPrefix + id }

func (s *Store) CreateJob(ctx context.Context, j *storage.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}

	// SETNX guards the queue push: an id can only be enqueued by the call that created it.
	created, err := s.rdb.SetNX(ctx, jobKey(j.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("writing job: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: %s", storage.ErrJobExists, j.ID)
	}

	_, err = s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.LPush(ctx, userJobsPrefix+j.UserID, j.ID)
		p.LPush(ctx, queueKey, j.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueuing job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*storage.Job, error) {
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: %s", storage.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading job: %w", err)
	}

	var j storage.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	return &j, nil
}

func (s *Store) SaveJob(ctx context.Context, j *storage.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	if err := s.rdb.Set(ctx, jobKey(j.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("writing job: %w", err)
	}
	return nil
}

func (s *Store) ListJobs(ctx context.Context, userID string) ([]storage.Job, error) {
	ids, err := s.rdb.LRange(ctx, userJobsPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading jobs: %w", err)
	}

	jobs := make([]storage.Job, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var j storage.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *Store) PublishJob(ctx context.Context, j *storage.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	if err := s.rdb.Publish(ctx, UpdateChannel(j.ID), data).Err(); err != nil {
		return fmt.Errorf("publishing job update: %w", err)
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, jobID string) (storage.Subscription, error) {
	ps := s.rdb.Subscribe(ctx, UpdateChannel(jobID))

	// Wait for the subscription confirmation so no publish after this call is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", UpdateChannel(jobID), err)
	}

	sub := &subscription{
		ps:   ps,
		out:  make(chan []byte),
		done: make(chan struct{}),
	}
	go sub.relay()
	return sub, nil
}

func (s *Store) NextJob(ctx context.Context) (string, error) {
	for {
		res, err := s.rdb.BRPop(ctx, s.poll, queueKey).Result()
		if errors.Is(err, goredis.Nil) {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("popping job queue: %w", err)
		}
		// BRPOP replies with [key, value].
		return res[1], nil
	}
}

func (s *Store) Enqueue(ctx context.Context, id string) error {
	if err := s.rdb.LPush(ctx, queueKey, id).Err(); err != nil {
		return fmt.Errorf("enqueuing job: %w", err)
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, sess *storage.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := s.rdb.Set(ctx, sessionKey(sess.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("writing session: %w", err)
	}
	return nil
}

func (s *Store) ConsumeSession(ctx context.Context, id string) (*storage.Session, error) {
	data, err := s.rdb.GetDel(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}

	var sess storage.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	sess.ID = id
	return &sess, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

type subscription struct {
	ps   *goredis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *subscription) relay() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		select {
		case s.out <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Updates() <-chan []byte {
	return s.out
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
