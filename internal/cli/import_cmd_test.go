package cli

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chatvault/pkg/domain"
)

const cliTranscript = "12/03/2024, 09:15 - Messages and calls are end-to-end encrypted.\n" +
	"12/03/2024, 09:16 - Lina: morning\n" +
	"12/03/2024, 09:17 - Omar: hey\n" +
	"see you at ten\n" +
	"12/03/2024, 09:18 - Lina: PTT-20240312-WA0003.opus (file attached)\n"

func writeCLIArchive(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "WhatsApp Chat with Lina.zip")
	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(out)
	entries := map[string]string{
		"WhatsApp Chat with Lina.txt": cliTranscript,
		"PTT-20240312-WA0003.opus":    "OggS voice note",
	}
	for name, data := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip entry: %v", err)
		}
		if _, err := w.Write([]byte(data)); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestImportCommandJSON(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	archive := writeCLIArchive(t)
	mediaDir := filepath.Join(t.TempDir(), "media")

	out, err := runCLI(t, "import", archive, "--json", "--owner", "u1", "--chat-id", "chat-9",
		"--media-dir", mediaDir, "--scratch-dir", t.TempDir(), "--timezone", "Europe/Berlin")
	if err != nil {
		t.Fatalf("import: %v\n%s", err, out)
	}
	var res struct {
		ChatID       string `json:"chatId"`
		ChatName     string `json:"chatName"`
		MessageCount int    `json:"messageCount"`
		MediaCount   int    `json:"mediaCount"`
		Owner        struct {
			Owner    string `json:"owner"`
			Strategy string `json:"strategy"`
		} `json:"owner"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if res.ChatID != "chat-9" || res.MessageCount != 4 || res.MediaCount != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Owner.Owner != "Omar" {
		t.Fatalf("owner = %q via %s, want Omar", res.Owner.Owner, res.Owner.Strategy)
	}
	matches, _ := filepath.Glob(filepath.Join(mediaDir, "u1", "chat-9", "*", "*"))
	if len(matches) == 0 {
		t.Fatalf("expected stored media below %s", mediaDir)
	}
}

func TestImportCommandTextPreview(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	archive := writeCLIArchive(t)
	out, err := runCLI(t, "import", archive, "--name", "Lina", "--preview", "2",
		"--media-dir", t.TempDir(), "--scratch-dir", t.TempDir())
	if err != nil {
		t.Fatalf("import: %v\n%s", err, out)
	}
	for _, want := range []string{"[100%] completed", "chat:      Lina", "messages:  4", "morning"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestImportCommandRejectsBadTimezone(t *testing.T) {
	_, err := runCLI(t, "import", "whatever.zip", "--timezone", "Mars/Olympus")
	if err == nil || !strings.Contains(err.Error(), "invalid timezone") {
		t.Fatalf("error = %v, want invalid timezone", err)
	}
}

func TestFormatMessage(t *testing.T) {
	m := domain.RawMessage{SenderName: "Omar", Body: "hey", Owner: true}
	if got := formatMessage(m); !strings.Contains(got, "Omar (me)") || !strings.Contains(got, "hey") {
		t.Fatalf("formatMessage() = %q", got)
	}
}
