package transcript

import (
	"testing"

	"chatvault/pkg/domain"
)

func TestDetectMessageType(t *testing.T) {
	cases := []struct {
		body     string
		kind     domain.MessageType
		filename string
		clean    string
	}{
		{"<attached: 00000012-PHOTO-2023-01-01-10-00-00.jpg>", domain.MessageImage, "00000012-PHOTO-2023-01-01-10-00-00.jpg", ""},
		{"<attached: clip.MP4> look", domain.MessageVideo, "clip.MP4", "look"},
		{"<attached: 00000003-AUDIO-2023-01-01.opus>", domain.MessageAudio, "00000003-AUDIO-2023-01-01.opus", ""},
		{"<attached: Report Q1.pdf>", domain.MessageDocument, "Report Q1.pdf", ""},
		{"IMG-20230101-WA0005.jpg (file attached)", domain.MessageImage, "IMG-20230101-WA0005.jpg", ""},
		{"PTT-20230101-WA0001.opus (file attached)", domain.MessageAudio, "PTT-20230101-WA0001.opus", ""},
		{"VID-20230101-WA0002.mp4 (file attached)", domain.MessageVideo, "VID-20230101-WA0002.mp4", ""},
		{"image omitted", domain.MessageImage, "", "image omitted"},
		{"video omitted", domain.MessageVideo, "", "video omitted"},
		{"document omitted", domain.MessageDocument, "", "document omitted"},
		{"<Media omitted>", domain.MessageText, "", "<Media omitted>"},
		{"> IMG-20230101 quoted reply", domain.MessageText, "", "> IMG-20230101 quoted reply"},
		{"read https://example.com/a.pdf", domain.MessageLink, "", "read https://example.com/a.pdf"},
		{"see www.example.org", domain.MessageLink, "", "see www.example.org"},
		{"just talking", domain.MessageText, "", "just talking"},
	}
	for _, tc := range cases {
		got := DetectMessageType(tc.body)
		if got.Type != tc.kind || got.MediaFilename != tc.filename || got.Body != tc.clean {
			t.Fatalf("DetectMessageType(%q) = {%q %q %q}, want {%q %q %q}",
				tc.body, got.Type, got.MediaFilename, got.Body, tc.kind, tc.filename, tc.clean)
		}
	}
}

func TestIsSystemMessage(t *testing.T) {
	cases := map[string]bool{
		"Messages and calls are end-to-end encrypted.": true,
		"Karim created group \"Trip\"":                 true,
		"Sara changed the subject to \"Plans\"":        true,
		"Sara changed this group's icon":               true,
		"Your security code with Sara changed.":        true,
		"You're now an admin":                          true,
		"I left my keys at home":                       false,
		"we should create a group for this":            false,
		"Karim left":                                   true,
		"+44 7700 900123 left":                         true,
		"You removed Sara":                             true,
		"Karim Haddad removed you":                     true,
		"I left":                                       false,
		"Karim removed the old photo":                  false,
	}
	for text, want := range cases {
		if got := IsSystemMessage(text); got != want {
			t.Fatalf("IsSystemMessage(%q) = %v, want %v", text, got, want)
		}
	}
}
