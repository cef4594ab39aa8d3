package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Dispatch is one request to process a scan.
type Dispatch struct {
	ID         string    `json:"id"`
	ScanID     string    `json:"scanId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Handler processes a dispatched scan. A returned error or panic is logged;
// the message is never redelivered.
type Handler func(context.Context, Dispatch) error

// RedisScanQueue dispatches scan ids through a Redis stream consumer group.
// Messages are acked as soon as they are read, so delivery is at most once.
type RedisScanQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	block        time.Duration
	maxLen       int64
	readCount    int64

	groupMu    sync.Mutex
	groupReady bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type RedisQueueConfig struct {
	Addr      string
	Password  string
	Stream    string
	Group     string
	Consumer  string
	Block     time.Duration
	MaxLen    int64
	ReadCount int64
}

func NewRedisScanQueue(cfg RedisQueueConfig) (*RedisScanQueue, error) {
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
		group = "default"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = uuid.NewString()
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 1
	}

	return &RedisScanQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		block:        block,
		maxLen:       maxLen,
		readCount:    readCount,
	}, nil
}

// Enqueue appends a dispatch for scanID to the stream.
func (q *RedisScanQueue) Enqueue(ctx context.Context, scanID string) (Dispatch, error) {
	scanID = strings.TrimSpace(scanID)
	if scanID == "" {
		return Dispatch{}, errors.New("scanId required")
	}
	if err := q.ensureGroup(ctx); err != nil {
		return Dispatch{}, err
	}
	d := Dispatch{
		ID:         uuid.NewString(),
		ScanID:     scanID,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"dispatch_id": d.ID,
			"scan_id":     d.ScanID,
			"enqueued_at": d.EnqueuedAt.Format(time.RFC3339Nano),
		},
	}).Err(); err != nil {
		return Dispatch{}, fmt.Errorf("xadd: %w", err)
	}
	return d, nil
}

// Start launches concurrency consumers. They run until ctx is cancelled or
// Stop is called.
func (q *RedisScanQueue) Start(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return errors.New("queue already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.consumeLoop(runCtx, consumer, handler)
		}()
	}
	return nil
}

// Stop cancels the consumers and waits for in-flight handlers to return.
func (q *RedisScanQueue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

// Close stops the consumers and releases the Redis client.
func (q *RedisScanQueue) Close() error {
	q.Stop()
	return q.client.Close()
}

func (q *RedisScanQueue) ensureGroup(ctx context.Context) error {
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	q.groupReady = true
	return nil
}

func (q *RedisScanQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			slog.Warn("queue read failed", "stream", q.stream, "consumer", consumer, "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
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

func (q *RedisScanQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	// Ack before handling: a crash mid-run leaves the scan processing rather
	// than running it twice.
	q.ackAndDel(ctx, msg.ID)

	d, ok := decodeDispatch(msg)
	if !ok {
		slog.Warn("queue dropped malformed message", "stream", q.stream, "msg_id", msg.ID)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("queue handler panic", "scan_id", d.ScanID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	// In-flight runs finish even when Stop cancels the consumers.
	if err := handler(context.WithoutCancel(ctx), d); err != nil {
		slog.Warn("queue handler failed", "scan_id", d.ScanID, "err", err)
	}
}

func (q *RedisScanQueue) ackAndDel(ctx context.Context, msgID string) {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("queue ack failed", "stream", q.stream, "msg_id", msgID, "err", err)
	}
}

func decodeDispatch(msg redis.XMessage) (Dispatch, bool) {
	scanID, _ := msg.Values["scan_id"].(string)
	if strings.TrimSpace(scanID) == "" {
		return Dispatch{}, false
	}
	d := Dispatch{ScanID: scanID}
	d.ID, _ = msg.Values["dispatch_id"].(string)
	if raw, _ := msg.Values["enqueued_at"].(string); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			d.EnqueuedAt = t
		}
	}
	return d, true
}
