package transcript

import (
	"regexp"
	"strings"

	"chatvault/pkg/domain"
)

type typedPattern struct {
	kind domain.MessageType
	re   *regexp.Regexp
}

// attachmentMarkers match the explicit "<attached: name.ext>" form. The first
// capture group is the filename.
var attachmentMarkers = []typedPattern{
	{domain.MessageImage, regexp.MustCompile(`(?i)<attached:\s*([^>]+\.(?:jpg|jpeg|png|gif|webp|bmp))[>\s]*`)},
	{domain.MessageVideo, regexp.MustCompile(`(?i)<attached:\s*([^>]+\.(?:mp4|avi|mov|3gp|mkv|webm))[>\s]*`)},
	{domain.MessageAudio, regexp.MustCompile(`(?i)<attached:\s*([^>]+\.(?:opus|mp3|m4a|ogg|aac|amr))[>\s]*`)},
	{domain.MessageDocument, regexp.MustCompile(`(?i)<attached:\s*([^>]+\.(?:pdf|doc|docx|xls|xlsx|ppt|pptx|csv|zip|rar|txt|vcf))[>\s]*`)},
}

// fallbackMarkers cover Android-style "name.ext (file attached)" bodies and
// "<kind> omitted" placeholders. Group 2 is the filename when present.
var fallbackMarkers = []typedPattern{
	{domain.MessageImage, regexp.MustCompile(`(?i)(<attached:\s*)?(.+?\.(?:jpg|jpeg|png|gif|webp|bmp))\s*(\(file attached\))?|image omitted|sticker omitted|GIF omitted|IMG-\d+`)},
	{domain.MessageVideo, regexp.MustCompile(`(?i)(<attached:\s*)?(.+?\.(?:mp4|avi|mov|3gp|mkv|webm))\s*(\(file attached\))?|video omitted|VID-\d+`)},
	{domain.MessageAudio, regexp.MustCompile(`(?i)(<attached:\s*)?(.+?\.(?:opus|mp3|m4a|ogg|aac|amr))\s*(\(file attached\))?|audio omitted|PTT-\d+|AUD-\d+`)},
	{domain.MessageDocument, regexp.MustCompile(`(?i)(<attached:\s*)?(.+?\.(?:pdf|doc|docx|xls|xlsx|ppt|pptx|csv|zip|rar|vcf))\s*(\(file attached\))?|document omitted|DOC-\d+`)},
}

var (
	linkPattern  = regexp.MustCompile(`(?i)https?://\S+|www\.\S+`)
	mediaOmitted = regexp.MustCompile(`(?i)^<media omitted>$`)
)

// Detection is the outcome of classifying a message body.
type Detection struct {
	Type          domain.MessageType
	MediaFilename string
	// Body is the message text with the attachment marker removed.
	Body string
	// Omitted is set for generic "<Media omitted>" placeholders whose kind
	// cannot be told.
	Omitted bool
}

// DetectMessageType classifies a cleaned message body and extracts the
// attachment filename, if any.
func DetectMessageType(body string) Detection {
	if strings.HasPrefix(body, ">") && !strings.Contains(strings.ToLower(body), "<attached:") {
		return Detection{Type: domain.MessageText, Body: body}
	}
	if mediaOmitted.MatchString(body) {
		return Detection{Type: domain.MessageText, Body: body, Omitted: true}
	}

	for _, p := range attachmentMarkers {
		m := p.re.FindStringSubmatchIndex(body)
		if m == nil {
			continue
		}
		filename := CleanText(body[m[2]:m[3]])
		return Detection{
			Type:          p.kind,
			MediaFilename: filename,
			Body:          strings.TrimSpace(body[:m[0]] + body[m[1]:]),
		}
	}

	omitted := strings.Contains(strings.ToLower(body), "omitted")
	for _, p := range fallbackMarkers {
		m := p.re.FindStringSubmatchIndex(body)
		if m == nil {
			continue
		}
		var filename string
		if !omitted && m[4] >= 0 {
			filename = CleanText(body[m[4]:m[5]])
			lower := strings.ToLower(filename)
			if strings.Contains(lower, "://") || strings.HasPrefix(lower, "www.") {
				continue
			}
		}
		d := Detection{Type: p.kind, MediaFilename: filename, Body: body}
		if filename != "" {
			d.Body = strings.TrimSpace(body[:m[0]] + body[m[1]:])
		}
		return d
	}

	if linkPattern.MatchString(body) {
		return Detection{Type: domain.MessageLink, Body: body}
	}
	return Detection{Type: domain.MessageText, Body: body}
}

// memberName matches "You", a phone number or a capitalized name of up to
// four words, as WhatsApp renders members in group notices.
const memberName = `(?:You|[+\d][\d \-]{6,}|\p{Lu}[\p{L}'.\-]+(?: \p{Lu}[\p{L}'.\-]*){0,3})`

// systemPhrases identify service notices that arrive on a "Sender: body"
// line. Leave and removal notices must make up the whole body, so ordinary
// sentences such as "I left my keys" stay text.
var systemPhrases = []*regexp.Regexp{
	regexp.MustCompile(`(?i)messages and calls are end-to-end encrypted`),
	regexp.MustCompile(`(?i)\bcreated group\b`),
	regexp.MustCompile(`(?i)\bchanged the subject\b`),
	regexp.MustCompile(`(?i)\bchanged this group's icon\b`),
	regexp.MustCompile(`(?i)\bchanged the group description\b`),
	regexp.MustCompile(`(?i)\badded you\b`),
	regexp.MustCompile(`(?i)\bsecurity code\b.*\bchanged\b`),
	regexp.MustCompile(`(?i)you're now an admin`),
	regexp.MustCompile(`(?i)joined using this group's invite link`),
	regexp.MustCompile(`^` + memberName + ` left\.?$`),
	regexp.MustCompile(`^` + memberName + ` removed (?:you|` + memberName + `)\.?$`),
}

// IsSystemMessage reports whether text reads like a service notice.
func IsSystemMessage(text string) bool {
	for _, re := range systemPhrases {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
