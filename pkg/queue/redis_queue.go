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

	"chatvault/internal/util"
	"chatvault/pkg/domain"
)

var (
	// ErrJobCanceled is returned by ReportProgress once a cancel was requested.
	ErrJobCanceled = errors.New("import job canceled")
	// ErrJobNotFound is returned for unknown or expired job ids.
	ErrJobNotFound = errors.New("import job not found")
)

// ImportTask is the payload of one queued import.
type ImportTask struct {
	OwnerID     string `json:"ownerUserId"`
	ChatID      string `json:"chatId"`
	ArchivePath string `json:"archivePath"`
	// ChatName is the caller-supplied display name; empty means derive it
	// from the transcript.
	ChatName string `json:"chatName,omitempty"`
}

// Handler processes one import attempt.
type Handler func(context.Context, domain.ImportJob) error

type RedisJobQueue struct {
	client        *redis.Client
	stream        string
	group         string
	consumerBase  string
	jobTTL        time.Duration
	maxAttempts   int
	block         time.Duration
	claimIdle     time.Duration
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	maxLen        int64
	readCount     int64
	claimCount    int64
	once          sync.Once
	workers       sync.WaitGroup
}

type RedisQueueConfig struct {
	Addr          string
	Password      string
	Stream        string
	Group         string
	Consumer      string
	JobTTL        time.Duration
	MaxAttempts   int
	Block         time.Duration
	ClaimIdle     time.Duration
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	MaxLen        int64
	ReadCount     int64
	ClaimCount    int64
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
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
		group = "importers"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 7 * 24 * time.Hour
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 10 * time.Minute
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	maxRetryDelay := cfg.MaxRetryDelay
	if maxRetryDelay <= 0 {
		maxRetryDelay = 5 * time.Minute
	}
	if maxRetryDelay < retryDelay {
		maxRetryDelay = retryDelay
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 1
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 1
	}

	return &RedisJobQueue{
		client:        redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:        stream,
		group:         group,
		consumerBase:  consumer,
		jobTTL:        jobTTL,
		maxAttempts:   maxAttempts,
		block:         block,
		claimIdle:     claimIdle,
		retryDelay:    retryDelay,
		maxRetryDelay: maxRetryDelay,
		maxLen:        maxLen,
		readCount:     readCount,
		claimCount:    claimCount,
	}, nil
}

// Close releases the Redis connection pool.
func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}

// Ping checks Redis connectivity.
func (q *RedisJobQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue records a queued job for task and publishes it to the stream.
func (q *RedisJobQueue) Enqueue(ctx context.Context, task ImportTask) (domain.ImportJob, error) {
	task.ChatID = strings.TrimSpace(task.ChatID)
	task.OwnerID = strings.TrimSpace(task.OwnerID)
	task.ArchivePath = strings.TrimSpace(task.ArchivePath)
	switch {
	case task.ChatID == "":
		return domain.ImportJob{}, errors.New("chatId required")
	case task.OwnerID == "":
		return domain.ImportJob{}, errors.New("ownerUserId required")
	case task.ArchivePath == "":
		return domain.ImportJob{}, errors.New("archivePath required")
	}
	now := time.Now().UTC()
	job := domain.ImportJob{
		ID:          util.NewID(),
		OwnerID:     task.OwnerID,
		ChatID:      task.ChatID,
		ArchivePath: task.ArchivePath,
		ChatName:    strings.TrimSpace(task.ChatName),
		State:       domain.StateQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.writeJob(ctx, job); err != nil {
		return domain.ImportJob{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":  job.ID,
			"chat_id": job.ChatID,
		},
	}).Err(); err != nil {
		return domain.ImportJob{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (domain.ImportJob, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return domain.ImportJob{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return domain.ImportJob{}, false, err
	}
	if len(data) == 0 {
		return domain.ImportJob{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Cancel flags a job for cancellation. The running attempt observes the flag
// at its next progress checkpoint; a queued job fails on its first one.
// Terminal jobs are returned unchanged.
func (q *RedisJobQueue) Cancel(ctx context.Context, jobID string) (domain.ImportJob, error) {
	job, ok, err := q.GetJob(ctx, jobID)
	if err != nil {
		return domain.ImportJob{}, err
	}
	if !ok {
		return domain.ImportJob{}, ErrJobNotFound
	}
	if job.State.Terminal() {
		return job, nil
	}
	job.CancelRequested = true
	job.UpdatedAt = time.Now().UTC()
	if err := q.client.HSet(ctx, q.jobKey(jobID), "cancel", "1", "updatedAt", job.UpdatedAt.Format(time.RFC3339Nano)).Err(); err != nil {
		return domain.ImportJob{}, err
	}
	return job, nil
}

// progressScript moves the job to a new state, keeps the highest progress
// ever reported for the job and reports the cancel flag.
var progressScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 'missing'
end
local current = tonumber(redis.call('HGET', KEYS[1], 'progress') or '0') or 0
local percent = tonumber(ARGV[2])
if percent > current then
	redis.call('HSET', KEYS[1], 'progress', ARGV[2])
end
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'updatedAt', ARGV[3])
if redis.call('HGET', KEYS[1], 'cancel') == '1' then
	return '1'
end
return '0'
`)

// ReportProgress records a state transition of the running attempt. It
// returns ErrJobCanceled when a cancel was requested.
func (q *RedisJobQueue) ReportProgress(ctx context.Context, jobID string, state domain.ImportState, percent int) error {
	percent = max(0, min(percent, 100))
	res, err := progressScript.Run(ctx, q.client, []string{q.jobKey(jobID)},
		string(state), strconv.Itoa(percent), time.Now().UTC().Format(time.RFC3339Nano)).Text()
	if err != nil {
		return err
	}
	switch res {
	case "missing":
		return ErrJobNotFound
	case "1":
		return ErrJobCanceled
	}
	return nil
}

func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		q.workers.Add(1)
		go func() {
			defer q.workers.Done()
			q.consumeLoop(ctx, consumer, handler)
		}()
	}
}

// Wait blocks until every consumer started by Start has returned, or until
// ctx is done. Consumers return once the context given to Start is canceled
// and the attempt they are running has finished.
func (q *RedisJobQueue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			util.LoggerFromContext(ctx).Warn("queue_group_create_failed", "stream", q.stream, "group", q.group, "err", err)
		}
	})
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
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
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				util.LoggerFromContext(ctx).Warn("queue_read_failed", "stream", q.stream, "err", err)
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
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

func (q *RedisJobQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
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

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values["job_id"].(string)
	chatID, _ := msg.Values["chat_id"].(string)
	if jobID == "" || chatID == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, jobID)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	logger := util.LoggerFromContext(ctx).With("job_id", jobID, "chat_id", chatID, "attempt", job.Attempts)

	err = handler(ctx, job)
	if err == nil {
		_ = q.markDone(ctx, jobID)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if IsPermanent(err) || job.Attempts >= q.maxAttempts {
		logger.Error("import_job_failed", "err", err, "permanent", IsPermanent(err))
		_ = q.markFailed(ctx, jobID, err.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	}
	delay := q.backoff(job.Attempts)
	logger.Warn("import_job_retry", "err", err, "delay", delay.String())
	_ = q.markQueued(ctx, jobID, err.Error())
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}
	_ = q.requeueAndAck(ctx, msg.ID, jobID, chatID)
}

// backoff returns the wait before the attempt following attempt n:
// retryDelay doubled per completed attempt, capped at maxRetryDelay.
func (q *RedisJobQueue) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := q.retryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.maxRetryDelay {
			return q.maxRetryDelay
		}
	}
	return min(delay, q.maxRetryDelay)
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID, jobID, chatID string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":  jobID,
			"chat_id": chatID,
		},
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

// startScript opens a new attempt. Only attempts, state and updatedAt are
// touched, so progress and a concurrently set cancel flag survive.
var startScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 'missing'
end
redis.call('HINCRBY', KEYS[1], 'attempts', 1)
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'updatedAt', ARGV[2])
return 'ok'
`)

func (q *RedisJobQueue) markProcessing(ctx context.Context, jobID string) (domain.ImportJob, error) {
	res, err := startScript.Run(ctx, q.client, []string{q.jobKey(jobID)},
		string(domain.StateQueued), time.Now().UTC().Format(time.RFC3339Nano)).Text()
	if err != nil {
		return domain.ImportJob{}, err
	}
	if res == "missing" {
		return domain.ImportJob{}, ErrJobNotFound
	}
	job, ok, err := q.GetJob(ctx, jobID)
	if err != nil {
		return domain.ImportJob{}, err
	}
	if !ok {
		return domain.ImportJob{}, ErrJobNotFound
	}
	return job, nil
}

func (q *RedisJobQueue) markQueued(ctx context.Context, jobID, errMsg string) error {
	return q.setTerminalFields(ctx, jobID, domain.StateQueued, -1, errMsg)
}

func (q *RedisJobQueue) markDone(ctx context.Context, jobID string) error {
	return q.setTerminalFields(ctx, jobID, domain.StateCompleted, 100, "")
}

func (q *RedisJobQueue) markFailed(ctx context.Context, jobID, errMsg string) error {
	return q.setTerminalFields(ctx, jobID, domain.StateFailed, -1, errMsg)
}

// setTerminalFields writes state and error; a negative progress leaves the
// stored progress untouched.
func (q *RedisJobQueue) setTerminalFields(ctx context.Context, jobID string, state domain.ImportState, progress int, errMsg string) error {
	values := []any{
		"state", string(state),
		"error", errMsg,
		"updatedAt", time.Now().UTC().Format(time.RFC3339Nano),
	}
	if progress >= 0 {
		values = append(values, "progress", strconv.Itoa(progress))
	}
	return q.client.HSet(ctx, q.jobKey(jobID), values...).Err()
}

func (q *RedisJobQueue) writeJob(ctx context.Context, job domain.ImportJob) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"id":          job.ID,
		"ownerId":     job.OwnerID,
		"chatId":      job.ChatID,
		"archivePath": job.ArchivePath,
		"chatName":    job.ChatName,
		"state":       string(job.State),
		"progress":    strconv.Itoa(job.Progress),
		"error":       job.LastError,
		"attempts":    strconv.Itoa(job.Attempts),
		"cancel":      boolFlag(job.CancelRequested),
		"createdAt":   job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":   job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func decodeJob(jobID string, data map[string]string) domain.ImportJob {
	job := domain.ImportJob{
		ID:              jobID,
		OwnerID:         data["ownerId"],
		ChatID:          data["chatId"],
		ArchivePath:     data["archivePath"],
		ChatName:        data["chatName"],
		State:           domain.ImportState(data["state"]),
		LastError:       data["error"],
		CancelRequested: data["cancel"] == "1",
	}
	if v := data["progress"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Progress = n
		}
	}
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Attempts = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.UpdatedAt = t
		}
	}
	return job
}
