package transcript

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"chatvault/pkg/domain"
)

// maxLineBytes bounds a single transcript line; long pasted messages exceed
// bufio's 64 KiB default.
const maxLineBytes = 16 << 20

// ParseStats summarises a parse run.
type ParseStats struct {
	Lines         int
	Messages      int
	System        int
	Continuations int
	// Skipped counts non-empty lines that appeared before the first
	// timestamped line and were discarded.
	Skipped int
	// Grammars counts header lines per matched grammar name.
	Grammars map[string]int
}

// Parser turns a chat transcript into ordered raw messages.
type Parser struct {
	// Location is the zone timestamps are interpreted in. Nil means UTC.
	Location *time.Location
}

// NewParser returns a parser reading timestamps in loc.
func NewParser(loc *time.Location) *Parser {
	return &Parser{Location: loc}
}

// ParseFile reads and parses the transcript at path.
func (p *Parser) ParseFile(path string) ([]domain.RawMessage, ParseStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ParseStats{}, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()
	return p.Parse(f)
}

// Parse reads the transcript from r. Lines that start with a recognised
// timestamp open a new message; any other non-empty line is appended to the
// previous message body with a newline. Parsing is deterministic: the same
// input always yields the same messages with OrderIndex 0..n-1.
func (p *Parser) Parse(r io.Reader) ([]domain.RawMessage, ParseStats, error) {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	stats := ParseStats{Grammars: map[string]int{}}
	var (
		messages []domain.RawMessage
		current  *domain.RawMessage
	)
	flush := func() {
		if current == nil {
			return
		}
		current.OrderIndex = len(messages)
		messages = append(messages, *current)
		current = nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		stats.Lines++
		line := CleanText(scanner.Text())
		if line == "" {
			continue
		}

		if m, ok := match(line, messageGrammars, loc); ok {
			flush()
			msg := buildMessage(line, m)
			current = &msg
			stats.Grammars[m.grammar]++
			continue
		}
		if m, ok := match(line, eventGrammars, loc); ok {
			flush()
			msg := buildEvent(line, m)
			current = &msg
			stats.Grammars[m.grammar]++
			continue
		}

		if current == nil {
			stats.Skipped++
			continue
		}
		if current.Body == "" {
			current.Body = line
		} else {
			current.Body += "\n" + line
		}
		stats.Continuations++
	}
	if err := scanner.Err(); err != nil {
		return nil, stats, fmt.Errorf("read transcript: %w", err)
	}
	flush()

	stats.Messages = len(messages)
	for _, m := range messages {
		if m.IsSystem() {
			stats.System++
		}
	}
	return messages, stats, nil
}

func buildMessage(line string, m lineMatch) domain.RawMessage {
	sender := CleanText(m.sender)
	d := DetectMessageType(CleanText(m.body))
	system := IsSystemMessage(d.Body) || IsSystemMessage(sender)
	msgType := d.Type
	if system {
		msgType = domain.MessageSystem
	}
	meta := map[string]string{
		domain.MetaOriginalLine: line,
		domain.MetaSystem:       strconv.FormatBool(system),
	}
	if d.Omitted {
		meta[domain.MetaMediaOmitted] = "true"
	}
	return domain.RawMessage{
		Timestamp:     m.timestamp,
		SenderName:    sender,
		Body:          d.Body,
		Type:          msgType,
		MediaFilename: d.MediaFilename,
		Metadata:      meta,
	}
}

func buildEvent(line string, m lineMatch) domain.RawMessage {
	return domain.RawMessage{
		Timestamp: m.timestamp,
		Body:      strings.TrimSpace(CleanText(m.body)),
		Type:      domain.MessageSystem,
		Metadata: map[string]string{
			domain.MetaOriginalLine: line,
			domain.MetaSystem:       "true",
		},
	}
}
