package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"chatvault/internal/util"
	"chatvault/pkg/archive"
	"chatvault/pkg/domain"
	"chatvault/pkg/events"
	"chatvault/pkg/importer"
	"chatvault/pkg/queue"
	"chatvault/pkg/storage"
	"chatvault/pkg/store"
	"chatvault/pkg/thumbnail"
)

// ErrJobNotFound is returned for unknown or expired job ids.
var ErrJobNotFound = queue.ErrJobNotFound

// Config holds runtime configuration.
type Config struct {
	DatabaseURL      string
	Store            store.Store
	PersistBatchSize int

	RedisAddr                 string
	RedisPassword             string
	QueueName                 string
	QueueGroup                string
	QueueConcurrency          int
	QueueMaxAttempts          int
	QueueRetryDelaySeconds    int
	QueueMaxRetryDelaySeconds int

	Media           storage.MediaStore
	Events          events.Publisher
	Thumbnails      *thumbnail.Deriver
	ScratchDir      string
	MaxArchiveBytes int64
	Location        *time.Location
}

// EnqueueRequest asks for an archive to be imported into a chat. The chat is
// created when it does not exist yet.
type EnqueueRequest struct {
	OwnerID     string `json:"ownerUserId"`
	ChatID      string `json:"chatId"`
	ArchivePath string `json:"archivePath"`
	ChatName    string `json:"chatName,omitempty"`
}

// App runs import jobs from the Redis queue.
type App struct {
	store       store.Store
	queue       *queue.RedisJobQueue
	pipeline    *importer.Pipeline
	events      events.Publisher
	concurrency int
}

// New constructs the importer service with persistence and queue.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL, store.WithBatchSize(cfg.PersistBatchSize))
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	if cfg.Media == nil {
		return nil, fmt.Errorf("media store required")
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:          cfg.RedisAddr,
		Password:      cfg.RedisPassword,
		Stream:        defaultQueueName(cfg.QueueName),
		Group:         defaultQueueGroup(cfg.QueueGroup),
		Consumer:      util.NewID(),
		MaxAttempts:   cfg.QueueMaxAttempts,
		RetryDelay:    time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
		MaxRetryDelay: time.Duration(cfg.QueueMaxRetryDelaySeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	pipeline, err := importer.New(importer.Config{
		Gateway:    dataStore,
		Media:      cfg.Media,
		Thumbnails: cfg.Thumbnails,
		Events:     publisher,
		Extractor:  &archive.Extractor{MaxBytes: cfg.MaxArchiveBytes},
		ScratchDir: cfg.ScratchDir,
		Location:   cfg.Location,
	})
	if err != nil {
		_ = q.Close()
		return nil, err
	}
	concurrency := cfg.QueueConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &App{
		store:       dataStore,
		queue:       q,
		pipeline:    pipeline,
		events:      publisher,
		concurrency: concurrency,
	}, nil
}

// Start launches the import workers; they stop when ctx is done.
func (a *App) Start(ctx context.Context) {
	a.queue.Start(ctx, a.concurrency, a.process)
}

// Wait blocks until the workers have stopped and their running imports have
// recorded their outcome, or until ctx is done.
func (a *App) Wait(ctx context.Context) error {
	return a.queue.Wait(ctx)
}

// Ping checks the queue backend.
func (a *App) Ping(ctx context.Context) error {
	return a.queue.Ping(ctx)
}

func (a *App) Close() error {
	return errors.Join(a.queue.Close(), a.events.Close())
}

// Enqueue registers the chat as queued and schedules its import.
func (a *App) Enqueue(ctx context.Context, req EnqueueRequest) (domain.ImportJob, error) {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.ChatID = strings.TrimSpace(req.ChatID)
	req.ArchivePath = strings.TrimSpace(req.ArchivePath)
	req.ChatName = strings.TrimSpace(req.ChatName)
	switch {
	case req.OwnerID == "":
		return domain.ImportJob{}, fmt.Errorf("ownerUserId required")
	case req.ChatID == "":
		return domain.ImportJob{}, fmt.Errorf("chatId required")
	case req.ArchivePath == "":
		return domain.ImportJob{}, fmt.Errorf("archivePath required")
	}

	chat, ok, err := a.store.GetChat(ctx, req.ChatID)
	if err != nil {
		return domain.ImportJob{}, err
	}
	now := time.Now().UTC()
	if !ok {
		name := req.ChatName
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(req.ArchivePath), filepath.Ext(req.ArchivePath))
		}
		chat = domain.Chat{
			ID:               req.ChatID,
			OwnerID:          req.OwnerID,
			Name:             name,
			OriginalFilename: filepath.Base(req.ArchivePath),
			CreatedAt:        now,
		}
	} else if chat.OwnerID != req.OwnerID {
		return domain.ImportJob{}, fmt.Errorf("chat %s belongs to another owner", req.ChatID)
	}
	chat.Status = domain.ChatQueued
	chat.ErrorMessage = ""
	chat.UpdatedAt = now
	if err := a.store.SaveChat(ctx, chat); err != nil {
		return domain.ImportJob{}, err
	}
	return a.queue.Enqueue(ctx, queue.ImportTask{
		OwnerID:     req.OwnerID,
		ChatID:      req.ChatID,
		ArchivePath: req.ArchivePath,
		ChatName:    req.ChatName,
	})
}

// GetJob returns a job by ID.
func (a *App) GetJob(ctx context.Context, id string) (domain.ImportJob, bool, error) {
	return a.queue.GetJob(ctx, id)
}

// Cancel requests cancellation; the import stops at its next checkpoint.
func (a *App) Cancel(ctx context.Context, id string) (domain.ImportJob, error) {
	return a.queue.Cancel(ctx, id)
}

func (a *App) process(ctx context.Context, job domain.ImportJob) error {
	ctx = util.ContextWithLogger(ctx, util.LoggerFromContext(ctx).With("component", "importer"))
	reporter := importer.ReporterFunc(func(ctx context.Context, state domain.ImportState, percent int) error {
		err := a.queue.ReportProgress(ctx, job.ID, state, percent)
		if errors.Is(err, queue.ErrJobCanceled) {
			return importer.ErrCanceled
		}
		return err
	})
	_, err := a.pipeline.Run(ctx, importer.Task{
		JobID:       job.ID,
		OwnerID:     job.OwnerID,
		ChatID:      job.ChatID,
		ArchivePath: job.ArchivePath,
		ChatName:    job.ChatName,
	}, reporter)
	if err != nil && isPermanent(err) {
		return queue.Permanent(err)
	}
	return err
}

// isPermanent reports failures a retry cannot fix.
func isPermanent(err error) bool {
	var extractErr *archive.ExtractionError
	switch {
	case errors.Is(err, importer.ErrCanceled),
		errors.Is(err, archive.ErrNoTranscript),
		errors.Is(err, store.ErrChatNotFound):
		return true
	case errors.As(err, &extractErr):
		return errors.Is(err, fs.ErrNotExist) || errors.Is(err, archive.ErrUnsafePath) || errors.Is(err, archive.ErrTooLarge)
	}
	return false
}

func defaultQueueName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "chatvault:imports"
	}
	return name
}

func defaultQueueGroup(group string) string {
	if strings.TrimSpace(group) == "" {
		return "importers"
	}
	return group
}
