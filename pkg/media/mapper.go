package media

import (
	"path/filepath"
	"regexp"
	"strings"

	"chatvault/pkg/domain"
)

// Match rules, in the order they are tried.
const (
	RuleExact      = "exact"
	RuleStem       = "stem"
	RuleSubstring  = "substring"
	RuleStructured = "structured"
)

// waName matches the {KIND}-{DATE}-WA{SEQ} naming convention of exported
// attachments.
var waName = regexp.MustCompile(`(?i)^(IMG|VID|AUD|PTT|DOC|STK)-(\d{8})-WA(\d+)`)

type candidate struct {
	path  string
	lower string
	stem  string
	ext   string
	key   string
}

func newCandidate(path string) candidate {
	base := filepath.Base(path)
	lower := strings.ToLower(base)
	ext := filepath.Ext(lower)
	return candidate{
		path:  path,
		lower: lower,
		stem:  strings.TrimSuffix(lower, ext),
		ext:   ext,
		key:   structuredKey(lower),
	}
}

func structuredKey(name string) string {
	m := waName.FindStringSubmatch(name)
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1]) + "-" + m[2] + "-" + m[3]
}

// MapStats counts reference outcomes of one MapMedia call.
type MapStats struct {
	References int
	Matched    int
	Missing    int
	ByRule     map[string]int
}

// Mapper resolves transcript attachment references against extracted files.
type Mapper struct {
	// Inspect describes a matched file. Defaults to Inspect.
	Inspect func(path string) (Info, error)
}

// NewMapper returns a mapper probing files with Inspect.
func NewMapper() *Mapper {
	return &Mapper{Inspect: Inspect}
}

// MapMedia returns a copy of messages where every message naming an
// attachment carries a MediaReference. References that no rule resolves are
// kept with Missing set; they never produce an error.
func (m *Mapper) MapMedia(messages []domain.RawMessage, files []string) ([]domain.RawMessage, MapStats) {
	inspect := m.Inspect
	if inspect == nil {
		inspect = Inspect
	}
	candidates := make([]candidate, 0, len(files))
	for _, f := range files {
		candidates = append(candidates, newCandidate(f))
	}
	infos := map[string]Info{}
	stats := MapStats{ByRule: map[string]int{}}

	out := make([]domain.RawMessage, len(messages))
	copy(out, messages)
	for i := range out {
		name := strings.TrimSpace(out[i].MediaFilename)
		if name == "" {
			continue
		}
		stats.References++
		ref := &domain.MediaReference{Filename: name}
		meta := cloneMeta(out[i].Metadata)
		meta[domain.MetaMediaFilename] = name

		path, rule := resolve(name, candidates)
		if path == "" {
			ref.Missing = true
			meta[domain.MetaMediaMissing] = "true"
			stats.Missing++
		} else {
			info, ok := infos[path]
			if !ok {
				info, _ = inspect(path)
				infos[path] = info
			}
			ref.ResolvedPath = path
			ref.MatchRule = rule
			ref.MimeType = info.MimeType
			ref.SizeBytes = info.SizeBytes
			ref.Metadata = info.Metadata(rule)
			stats.Matched++
			stats.ByRule[rule]++
		}
		out[i].Media = ref
		out[i].Metadata = meta
	}
	return out, stats
}

// Resolve returns the extracted file a reference points to and the rule that
// matched, or "" when none does.
func Resolve(reference string, files []string) (string, string) {
	candidates := make([]candidate, 0, len(files))
	for _, f := range files {
		candidates = append(candidates, newCandidate(f))
	}
	return resolve(reference, candidates)
}

func resolve(reference string, candidates []candidate) (string, string) {
	ref := newCandidate(reference)

	for _, c := range candidates {
		if c.lower == ref.lower {
			return c.path, RuleExact
		}
	}
	for _, c := range candidates {
		if c.stem != "" && c.stem == ref.stem {
			return c.path, RuleStem
		}
	}
	// Substring matches must agree on the extension, otherwise a decorated
	// name like "x.jpg.resized" would be taken before the structured rule.
	for _, c := range candidates {
		if c.ext != ref.ext || c.stem == "" || ref.stem == "" {
			continue
		}
		if strings.Contains(c.lower, ref.lower) || strings.Contains(ref.lower, c.lower) ||
			strings.Contains(c.stem, ref.stem) || strings.Contains(ref.stem, c.stem) {
			return c.path, RuleSubstring
		}
	}
	if ref.key != "" {
		for _, c := range candidates {
			if c.key == ref.key {
				return c.path, RuleStructured
			}
		}
	}
	return "", ""
}

func cloneMeta(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}
