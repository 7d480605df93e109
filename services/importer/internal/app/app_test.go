package app

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"chatvault/pkg/archive"
	"chatvault/pkg/domain"
	"chatvault/pkg/importer"
	"chatvault/pkg/queue"
	"chatvault/pkg/storage"
	"chatvault/pkg/store"
)

const transcript = "3/4/24, 14:00 - Ana: hola\n" +
	"3/4/24, 14:01 - Ben: hi Ana\n" +
	"3/4/24, 14:02 - Ana: PTT-20240304-WA0001.opus (file attached)\n"

func newTestApp(t *testing.T) (*App, *store.MemoryStore) {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	dataStore := store.NewMemoryStore()
	media, err := storage.NewFileStore(filepath.Join(t.TempDir(), "media"))
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	a, err := New(Config{
		Store:                  dataStore,
		RedisAddr:              redisSrv.Addr(),
		QueueName:              "test:imports",
		QueueMaxAttempts:       1,
		QueueRetryDelaySeconds: 1,
		Media:                  media,
		ScratchDir:             filepath.Join(t.TempDir(), "scratch"),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, dataStore
}

func writeExport(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "WhatsApp Chat with Ben.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip entry: %v", err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return path
}

func TestEnqueueCreatesQueuedChat(t *testing.T) {
	a, dataStore := newTestApp(t)
	ctx := context.Background()
	archivePath := writeExport(t, map[string]string{"WhatsApp Chat with Ben.txt": transcript})

	job, err := a.Enqueue(ctx, EnqueueRequest{OwnerID: "u1", ChatID: "c1", ArchivePath: archivePath})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.State != domain.StateQueued || job.ChatID != "c1" {
		t.Fatalf("unexpected job %+v", job)
	}
	chat, ok, _ := dataStore.GetChat(ctx, "c1")
	if !ok || chat.Status != domain.ChatQueued || chat.Name != "WhatsApp Chat with Ben" || chat.OriginalFilename != "WhatsApp Chat with Ben.zip" {
		t.Fatalf("unexpected chat %+v", chat)
	}

	if _, err := a.Enqueue(ctx, EnqueueRequest{OwnerID: "u2", ChatID: "c1", ArchivePath: archivePath}); err == nil {
		t.Fatalf("expected enqueue for another owner's chat to fail")
	}
	if _, err := a.Enqueue(ctx, EnqueueRequest{OwnerID: "u1", ChatID: "c1"}); err == nil {
		t.Fatalf("expected missing archive path to fail")
	}
}

func TestProcessCompletesJob(t *testing.T) {
	a, dataStore := newTestApp(t)
	ctx := context.Background()
	archivePath := writeExport(t, map[string]string{"WhatsApp Chat with Ben.txt": transcript})

	job, err := a.Enqueue(ctx, EnqueueRequest{OwnerID: "u1", ChatID: "c1", ArchivePath: archivePath})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := a.process(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, ok, err := a.GetJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if got.State != domain.StateCompleted || got.Progress != 100 {
		t.Fatalf("job after process = %+v", got)
	}
	chat, _, _ := dataStore.GetChat(ctx, "c1")
	if chat.Status != domain.ChatCompleted || chat.Name != "Ben" || chat.MessageCount != 3 {
		t.Fatalf("unexpected chat %+v", chat)
	}
	msgs, _ := dataStore.ListMessages(ctx, "c1", 0)
	if len(msgs) != 3 || !msgs[0].Owner || msgs[1].Owner {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if msgs[2].Type != domain.MessageAudio || msgs[2].Metadata[domain.MetaMediaMissing] != "true" {
		t.Fatalf("voice note should be typed audio and missing: %+v", msgs[2])
	}
}

func TestProcessCanceledJobIsPermanent(t *testing.T) {
	a, dataStore := newTestApp(t)
	ctx := context.Background()
	archivePath := writeExport(t, map[string]string{"WhatsApp Chat with Ben.txt": transcript})

	job, _ := a.Enqueue(ctx, EnqueueRequest{OwnerID: "u1", ChatID: "c1", ArchivePath: archivePath})
	if _, err := a.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	err := a.process(ctx, job)
	if !errors.Is(err, importer.ErrCanceled) || !queue.IsPermanent(err) {
		t.Fatalf("process() error = %v, want permanent ErrCanceled", err)
	}
	chat, _, _ := dataStore.GetChat(ctx, "c1")
	if chat.Status != domain.ChatFailed || chat.ErrorMessage != importer.ErrCanceled.Error() {
		t.Fatalf("unexpected chat %+v", chat)
	}
}

func TestProcessMissingTranscriptIsPermanent(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	archivePath := writeExport(t, map[string]string{"IMG-20240304-WA0001.jpg": "x"})

	job, _ := a.Enqueue(ctx, EnqueueRequest{OwnerID: "u1", ChatID: "c1", ArchivePath: archivePath})
	err := a.process(ctx, job)
	if !errors.Is(err, archive.ErrNoTranscript) || !queue.IsPermanent(err) {
		t.Fatalf("process() error = %v, want permanent ErrNoTranscript", err)
	}
}

func TestWorkersDrainQueue(t *testing.T) {
	a, dataStore := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)

	archivePath := writeExport(t, map[string]string{"WhatsApp Chat with Ben.txt": transcript})
	job, err := a.Enqueue(ctx, EnqueueRequest{OwnerID: "u1", ChatID: "c1", ArchivePath: archivePath, ChatName: "Ben & Ana"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		got, _, err := a.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if got.State.Terminal() {
			if got.State != domain.StateCompleted {
				t.Fatalf("job finished as %+v", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not finish, last state %+v", got)
		}
		time.Sleep(20 * time.Millisecond)
	}
	chat, _, _ := dataStore.GetChat(ctx, "c1")
	if chat.Name != "Ben & Ana" || chat.Status != domain.ChatCompleted {
		t.Fatalf("unexpected chat %+v", chat)
	}

	cancel()
	waitCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := a.Wait(waitCtx); err != nil {
		t.Fatalf("workers did not stop after shutdown: %v", err)
	}
}

func TestIsPermanent(t *testing.T) {
	cases := map[error]bool{
		importer.ErrCanceled:    true,
		archive.ErrNoTranscript: true,
		&archive.ExtractionError{Archive: "a.zip", Err: os.ErrNotExist}:          true,
		&archive.ExtractionError{Archive: "a.zip", Err: archive.ErrTooLarge}:     true,
		&archive.ExtractionError{Archive: "a.zip", Err: errors.New("disk full")}: false,
		errors.New("connection refused"):                                         false,
	}
	for err, want := range cases {
		if got := isPermanent(err); got != want {
			t.Fatalf("isPermanent(%v) = %v, want %v", err, got, want)
		}
	}
}
