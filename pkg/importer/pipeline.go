package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatvault/internal/util"
	"chatvault/pkg/archive"
	"chatvault/pkg/domain"
	"chatvault/pkg/events"
	"chatvault/pkg/media"
	"chatvault/pkg/storage"
	"chatvault/pkg/store"
	"chatvault/pkg/thumbnail"
	"chatvault/pkg/transcript"
)

// ErrCanceled is returned when the job was canceled from outside.
var ErrCanceled = errors.New("import canceled")

const failureWriteTimeout = 15 * time.Second

// Task identifies the archive to import and the chat it belongs to.
type Task struct {
	JobID       string
	OwnerID     string
	ChatID      string
	ArchivePath string
	// ChatName is a caller-supplied display name; when empty the chat is
	// renamed after the transcript.
	ChatName string
}

// Reporter receives state transitions. Returning ErrCanceled aborts the run.
type Reporter interface {
	Report(ctx context.Context, state domain.ImportState, percent int) error
}

type ReporterFunc func(ctx context.Context, state domain.ImportState, percent int) error

func (f ReporterFunc) Report(ctx context.Context, state domain.ImportState, percent int) error {
	return f(ctx, state, percent)
}

// Result summarizes a successful import.
type Result struct {
	ChatName     string                   `json:"chatName"`
	MessageCount int                      `json:"messageCount"`
	MediaCount   int                      `json:"mediaCount"`
	MissingMedia int                      `json:"missingMedia"`
	Thumbnails   int                      `json:"thumbnails"`
	Owner        transcript.OwnerDecision `json:"owner"`
	Skipped      int                      `json:"skippedLines"`
}

type Config struct {
	Gateway    store.Gateway
	Media      storage.MediaStore
	Thumbnails *thumbnail.Deriver
	Events     events.Publisher
	Extractor  *archive.Extractor
	Mapper     *media.Mapper
	// ScratchDir holds one attempt-local directory per running import.
	ScratchDir string
	// Location is the zone transcript wall-clock times are read in.
	Location *time.Location
}

// Pipeline runs the import state machine for one archive at a time. A single
// Pipeline may serve concurrent runs for distinct chats.
type Pipeline struct {
	gateway    store.Gateway
	media      storage.MediaStore
	thumbs     *thumbnail.Deriver
	events     events.Publisher
	extractor  *archive.Extractor
	mapper     *media.Mapper
	parser     *transcript.Parser
	scratchDir string
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("persistence gateway required")
	}
	if cfg.Media == nil {
		return nil, errors.New("media store required")
	}
	scratch := strings.TrimSpace(cfg.ScratchDir)
	if scratch == "" {
		scratch = filepath.Join(os.TempDir(), "chatvault")
	}
	p := &Pipeline{
		gateway:    cfg.Gateway,
		media:      cfg.Media,
		thumbs:     cfg.Thumbnails,
		events:     cfg.Events,
		extractor:  cfg.Extractor,
		mapper:     cfg.Mapper,
		parser:     transcript.NewParser(cfg.Location),
		scratchDir: scratch,
	}
	if p.thumbs == nil {
		p.thumbs = thumbnail.NewDeriver(0, 0, "", 0, 0)
	}
	if p.events == nil {
		p.events = events.NopPublisher{}
	}
	if p.extractor == nil {
		p.extractor = &archive.Extractor{}
	}
	if p.mapper == nil {
		p.mapper = media.NewMapper()
	}
	return p, nil
}

// attempt carries the state of one Run.
type attempt struct {
	*Pipeline
	task     Task
	reporter Reporter
	logger   *slog.Logger

	scratch    string
	transcript string
	files      []string
	size       int64
	messages   []domain.RawMessage
	records    []domain.MediaRecord
	// stored lists every key this attempt wrote to the media store.
	stored    []string
	previous  []domain.MediaRecord
	replaced  bool
	committed bool
	result    Result
}

// Run imports task.ArchivePath into task.ChatID. Progress checkpoints are
// reported in order; any error marks the chat failed and removes the media
// this attempt stored. The scratch directory is removed on every path.
func (p *Pipeline) Run(ctx context.Context, task Task, reporter Reporter) (Result, error) {
	a := &attempt{
		Pipeline: p,
		task:     task,
		reporter: reporter,
		logger:   util.LoggerFromContext(ctx).With("job_id", task.JobID, "chat_id", task.ChatID),
	}
	defer a.cleanup()

	if err := a.run(ctx); err != nil {
		a.fail(ctx, err)
		return Result{}, err
	}
	return a.result, nil
}

func (a *attempt) run(ctx context.Context) error {
	steps := []struct {
		state   domain.ImportState
		percent int
		fn      func(context.Context) error
	}{
		{domain.StateExtracting, 10, a.extract},
		{domain.StateExtracting, 20, a.prepare},
		{domain.StateParsing, 40, a.parse},
		{domain.StateMapping, 60, a.mapMedia},
		{domain.StateMapping, 70, a.storeMedia},
		{domain.StatePersisting, 85, a.persist},
	}
	a.result.ChatName = strings.TrimSpace(a.task.ChatName)
	for _, step := range steps {
		if err := a.checkpoint(ctx, step.state, step.percent); err != nil {
			return err
		}
		if err := step.fn(ctx); err != nil {
			return err
		}
	}
	return a.complete(ctx)
}

func (a *attempt) checkpoint(ctx context.Context, state domain.ImportState, percent int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.logger.Info("import_state", "state", state, "percent", percent)
	if a.reporter == nil {
		return nil
	}
	err := a.reporter.Report(ctx, state, percent)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCanceled):
		return ErrCanceled
	default:
		a.logger.Warn("import_progress_report_failed", "state", state, "err", err)
		return nil
	}
}

func (a *attempt) extract(_ context.Context) error {
	if err := os.MkdirAll(a.scratchDir, 0o755); err != nil {
		return fmt.Errorf("create scratch root: %w", err)
	}
	dir, err := os.MkdirTemp(a.scratchDir, a.task.ChatID+"-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	a.scratch = dir
	return a.extractor.Extract(a.task.ArchivePath, filepath.Join(dir, "extracted"))
}

func (a *attempt) prepare(ctx context.Context) error {
	root := filepath.Join(a.scratch, "extracted")
	path, err := a.extractor.FindTranscript(root)
	if err != nil {
		return err
	}
	files, err := a.extractor.FindMediaFiles(root)
	if err != nil {
		return err
	}
	size, err := a.extractor.DirSize(root)
	if err != nil {
		return err
	}
	a.transcript, a.files, a.size = path, files, size

	if err := a.gateway.UpdateChatStatus(ctx, a.task.ChatID, domain.ChatProcessing, ""); err != nil {
		return err
	}
	return a.gateway.UpdateChatStats(ctx, a.task.ChatID, 0, size)
}

func (a *attempt) parse(_ context.Context) error {
	msgs, stats, err := a.parser.ParseFile(a.transcript)
	if err != nil {
		return fmt.Errorf("parse transcript: %w", err)
	}
	derived := archive.ChatNameFromTranscript(a.transcript)
	msgs, decision := transcript.IdentifyOwner(msgs, derived)
	for i := range msgs {
		msgs[i].ID = util.NewID()
	}
	if a.result.ChatName == "" {
		a.result.ChatName = derived
	}
	a.messages = msgs
	a.result.Owner = decision
	a.result.Skipped = stats.Skipped
	a.logger.Info("transcript_parsed",
		"messages", stats.Messages,
		"system", stats.System,
		"continuations", stats.Continuations,
		"skipped", stats.Skipped,
		"owner", decision.Owner,
		"owner_strategy", decision.Strategy,
		"owner_low_confidence", decision.LowConfidence,
	)
	return nil
}

func (a *attempt) mapMedia(_ context.Context) error {
	msgs, stats := a.mapper.MapMedia(a.messages, a.files)
	a.messages = msgs
	a.result.MissingMedia = stats.Missing
	if stats.Missing > 0 {
		a.logger.Warn("media_unresolved", "missing", stats.Missing, "matched", stats.Matched)
	}
	a.logger.Debug("media_mapped", "references", stats.References, "by_rule", stats.ByRule)
	return nil
}

// storeMedia copies every matched file to permanent storage once, derives
// thumbnails for images and videos and builds one record per message.
func (a *attempt) storeMedia(ctx context.Context) error {
	keys := map[string]string{}
	var items []thumbnail.Item
	var itemKeys []string
	categories := map[media.Category]int{}
	for i := range a.messages {
		ref := a.messages[i].Media
		if ref == nil || ref.Missing {
			continue
		}
		key, ok := keys[ref.ResolvedPath]
		if !ok {
			key = media.StorageKey(a.task.OwnerID, a.task.ChatID, ref.Filename)
			if err := a.media.Save(ctx, key, ref.ResolvedPath, ref.MimeType); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.logger.Warn("media_store_failed", "file", ref.Filename, "err", err)
				key = ""
			} else {
				a.stored = append(a.stored, key)
				categories[media.Categorize(ref.MimeType)]++
				switch media.Categorize(ref.MimeType) {
				case media.CategoryImage, media.CategoryVideo:
					items = append(items, thumbnail.Item{
						Source:   ref.ResolvedPath,
						Dest:     filepath.Join(a.scratch, "thumbs", fmt.Sprintf("%d.jpg", len(items))),
						MimeType: ref.MimeType,
					})
					itemKeys = append(itemKeys, key)
				}
			}
			keys[ref.ResolvedPath] = key
		}
		if key == "" {
			continue
		}
		ref.StorageKey = key
	}

	thumbs := map[string]string{}
	for i, res := range a.thumbs.Batch(ctx, items) {
		if !res.OK() {
			if res.Err != nil {
				a.logger.Warn("thumbnail_failed", "file", filepath.Base(res.Source), "err", res.Err)
			}
			continue
		}
		thumbKey := media.ThumbKey(itemKeys[i])
		if err := a.media.Save(ctx, thumbKey, res.Path, "image/jpeg"); err != nil {
			a.logger.Warn("thumbnail_store_failed", "key", thumbKey, "err", err)
			continue
		}
		a.stored = append(a.stored, thumbKey)
		thumbs[itemKeys[i]] = thumbKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	a.result.Thumbnails = len(thumbs)

	now := time.Now().UTC()
	for _, msg := range a.messages {
		ref := msg.Media
		if ref == nil || ref.StorageKey == "" {
			continue
		}
		ref.ThumbKey = thumbs[ref.StorageKey]
		a.records = append(a.records, domain.MediaRecord{
			ID:           util.NewID(),
			MessageID:    msg.ID,
			ChatID:       a.task.ChatID,
			OwnerID:      a.task.OwnerID,
			OriginalName: ref.Filename,
			StorageKey:   ref.StorageKey,
			ThumbKey:     ref.ThumbKey,
			MimeType:     ref.MimeType,
			SizeBytes:    ref.SizeBytes,
			Metadata:     ref.Metadata,
			CreatedAt:    now,
		})
	}
	a.result.MediaCount = len(a.records)
	a.logger.Info("media_stored",
		"files", len(keys),
		"records", len(a.records),
		"thumbnails", len(thumbs),
		"images", categories[media.CategoryImage],
		"videos", categories[media.CategoryVideo],
		"audio", categories[media.CategoryAudio],
		"documents", categories[media.CategoryDocument],
	)
	return nil
}

// persist supersedes the chat's previous messages and media records. The
// previous records are read first since replacing messages drops them.
func (a *attempt) persist(ctx context.Context) error {
	previous, err := a.gateway.ListMediaRecords(ctx, a.task.ChatID)
	if err != nil {
		return err
	}
	a.previous = previous
	if err := a.gateway.ReplaceMessages(ctx, a.task.ChatID, a.messages); err != nil {
		return err
	}
	a.replaced = true
	if err := a.gateway.ReplaceMediaRecords(ctx, a.task.ChatID, a.records); err != nil {
		return err
	}
	a.committed = true
	a.result.MessageCount = len(a.messages)
	a.deleteSuperseded(ctx)
	return nil
}

func (a *attempt) complete(ctx context.Context) error {
	if err := a.gateway.UpdateChatStats(ctx, a.task.ChatID, len(a.messages), a.size); err != nil {
		return err
	}
	if err := a.gateway.UpdateChatStatus(ctx, a.task.ChatID, domain.ChatCompleted, ""); err != nil {
		return err
	}
	if strings.TrimSpace(a.task.ChatName) == "" {
		if err := a.gateway.RenameChat(ctx, a.task.ChatID, a.result.ChatName); err != nil {
			return err
		}
	}
	// The data is committed; a late cancel no longer undoes it.
	if a.reporter != nil {
		if err := a.reporter.Report(ctx, domain.StateCompleted, 100); err != nil && !errors.Is(err, ErrCanceled) {
			a.logger.Warn("import_progress_report_failed", "state", domain.StateCompleted, "err", err)
		}
	}
	a.publish(ctx, events.Event{
		Type:         events.TypeImportCompleted,
		ChatName:     a.result.ChatName,
		MessageCount: a.result.MessageCount,
		MediaCount:   a.result.MediaCount,
		MissingMedia: a.result.MissingMedia,
	})
	a.logger.Info("import_completed",
		"messages", a.result.MessageCount,
		"media", a.result.MediaCount,
		"missing_media", a.result.MissingMedia,
		"thumbnails", a.result.Thumbnails,
	)
	return nil
}

// deleteSuperseded removes files of previous records that the new import no
// longer references.
func (a *attempt) deleteSuperseded(ctx context.Context) {
	keep := map[string]struct{}{}
	for _, rec := range a.records {
		keep[rec.StorageKey] = struct{}{}
		if rec.ThumbKey != "" {
			keep[rec.ThumbKey] = struct{}{}
		}
	}
	var stale []string
	seen := map[string]struct{}{}
	for _, rec := range a.previous {
		for _, key := range []string{rec.StorageKey, rec.ThumbKey} {
			if key == "" {
				continue
			}
			if _, ok := keep[key]; ok {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			stale = append(stale, key)
		}
	}
	a.deleteKeys(ctx, stale)
}

func (a *attempt) deleteKeys(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := a.media.Delete(ctx, key); err != nil {
			a.logger.Warn("media_delete_failed", "key", key, "err", err)
		}
	}
}

// fail records the failure with a context that outlives cancellation of the
// run, so a canceled job still leaves the chat in a terminal state.
func (a *attempt) fail(ctx context.Context, cause error) {
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()

	a.logger.Error("import_failed", "err", cause)
	if err := a.gateway.UpdateChatStatus(detached, a.task.ChatID, domain.ChatFailed, cause.Error()); err != nil {
		a.logger.Error("import_fail_status_write_failed", "err", err)
	}
	if !a.committed {
		a.deleteKeys(detached, a.stored)
		if a.replaced {
			// The previous records went with the replaced messages.
			a.records = nil
			a.deleteSuperseded(detached)
		}
	}
	a.publish(detached, events.Event{Type: events.TypeImportFailed, Error: cause.Error()})
}

func (a *attempt) publish(ctx context.Context, ev events.Event) {
	ev.JobID = a.task.JobID
	ev.ChatID = a.task.ChatID
	ev.OwnerID = a.task.OwnerID
	ev.OccurredAt = time.Now().UTC()
	if err := a.events.Publish(ctx, ev); err != nil {
		a.logger.Warn("import_event_publish_failed", "type", ev.Type, "err", err)
	}
}

func (a *attempt) cleanup() {
	if a.scratch == "" {
		return
	}
	if err := a.extractor.Cleanup(a.scratch); err != nil {
		a.logger.Warn("scratch_cleanup_failed", "dir", a.scratch, "err", err)
	}
}
