// Package queue delivers cleanup notifications over a redis stream.
// The stream is only a wake-up channel; the authoritative job record
// is the store's cleanup job row, so a lost message is recovered by
// the worker's poll sweep and a duplicate delivery is harmless.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stache-ai/stache-ai-sub000/internal/util"
)

// Notification references a cleanup job awaiting processing.
type Notification struct {
	JobID     string `json:"jobId"`
	DocID     string `json:"docId"`
	Namespace string `json:"namespace"`
	// Attempts counts deliveries of this notification, including the
	// current one.
	Attempts int `json:"attempts"`
}

type RedisCleanupQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
}

type RedisQueueConfig struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func NewRedisCleanupQueue(cfg RedisQueueConfig) (*RedisCleanupQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "cleanup"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 10
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay < 0 {
		retryDelay = 0
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}

	return &RedisCleanupQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
	}, nil
}

// Enqueue publishes a wake-up for the given cleanup job.
func (q *RedisCleanupQueue) Enqueue(ctx context.Context, n Notification) error {
	if strings.TrimSpace(n.JobID) == "" {
		return errors.New("jobId required")
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":    n.JobID,
			"doc_id":    n.DocID,
			"namespace": n.Namespace,
			"attempts":  "0",
		},
	}).Err()
}

// Start launches concurrency consumer goroutines. Each handler
// invocation receives one notification; a nil return acks the message,
// an error requeues it until the delivery budget is spent.
func (q *RedisCleanupQueue) Start(ctx context.Context, concurrency int, handler func(context.Context, Notification) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *RedisCleanupQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		// BUSYGROUP means the group already exists; any other failure
		// surfaces on the first consume
		_ = q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	})
}

func (q *RedisCleanupQueue) consumeLoop(ctx context.Context, consumer string, handler func(context.Context, Notification) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisCleanupQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisCleanupQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, Notification) error) {
	n, ok := decodeNotification(msg)
	if !ok {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	n.Attempts++
	if err := handler(ctx, n); err == nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if n.Attempts >= q.maxRetries {
		// delivery budget spent; the poll sweep will retry the job
		// from its store record
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	_ = q.requeueAndAck(ctx, msg.ID, n)
}

func (q *RedisCleanupQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisCleanupQueue) requeueAndAck(ctx context.Context, msgID string, n Notification) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":    n.JobID,
			"doc_id":    n.DocID,
			"namespace": n.Namespace,
			"attempts":  strconv.Itoa(n.Attempts),
		},
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func decodeNotification(msg redis.XMessage) (Notification, bool) {
	jobID, _ := msg.Values["job_id"].(string)
	if jobID == "" {
		return Notification{}, false
	}
	docID, _ := msg.Values["doc_id"].(string)
	namespace, _ := msg.Values["namespace"].(string)
	n := Notification{JobID: jobID, DocID: docID, Namespace: namespace}
	if v, _ := msg.Values["attempts"].(string); v != "" {
		if attempts, err := strconv.Atoi(v); err == nil {
			n.Attempts = attempts
		}
	}
	return n, true
}
