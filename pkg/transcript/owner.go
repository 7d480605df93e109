package transcript

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"chatvault/pkg/domain"
)

// Owner inference strategy names, in cascade order.
const (
	StrategySelfLabel    = "self-label"
	StrategyChatName     = "chat-name"
	StrategyPhoneNumber  = "phone-number"
	StrategyMessageCount = "message-count"
	StrategyAlphabetical = "alphabetical"
)

// minorityShare is the share of messages below which the quieter of two
// participants is taken to be the exporting user.
const minorityShare = 0.4

// selfLabels are sender names exports use for the exporting user.
var selfLabels = map[string]struct{}{
	"you": {},
	"me":  {},
	"أنت": {},
	"انا": {},
	"أنا": {},
}

var phoneNumber = regexp.MustCompile(`^[\d\s\x{00A0}\x{202F}+\-()]+$`)

// OwnerDecision records which sender was picked as the exporting user and how.
type OwnerDecision struct {
	Owner    string `json:"owner"`
	Strategy string `json:"strategy"`
	// LowConfidence marks a decision made by the alphabetical fallback.
	LowConfidence bool     `json:"lowConfidence"`
	Senders       []string `json:"senders"`
}

type ownerInput struct {
	senders  []string
	counts   map[string]int
	total    int
	chatName string
}

type ownerStrategy struct {
	name   string
	decide func(ownerInput) (string, bool)
}

// Group chats only resolve through self labels; the remaining rules assume a
// one-to-one conversation.
var ownerStrategies = []ownerStrategy{
	{StrategySelfLabel, bySelfLabel},
	{StrategyChatName, byChatName},
	{StrategyPhoneNumber, byPhoneNumber},
	{StrategyMessageCount, byMessageCount},
	{StrategyAlphabetical, byAlphabet},
}

// IdentifyOwner decides which sender is the exporting user and returns a copy
// of messages with Owner set on that sender's messages. The input slice is not
// modified and the result is the same however often it is applied.
func IdentifyOwner(messages []domain.RawMessage, chatName string) ([]domain.RawMessage, OwnerDecision) {
	out := make([]domain.RawMessage, len(messages))
	copy(out, messages)

	in := ownerInput{counts: map[string]int{}, chatName: chatName}
	for _, m := range messages {
		if m.SenderName == "" || m.IsSystem() {
			continue
		}
		if _, seen := in.counts[m.SenderName]; !seen {
			in.senders = append(in.senders, m.SenderName)
		}
		in.counts[m.SenderName]++
		in.total++
	}

	decision := OwnerDecision{Senders: in.senders}
	for _, s := range ownerStrategies {
		if owner, ok := s.decide(in); ok {
			decision.Owner = owner
			decision.Strategy = s.name
			decision.LowConfidence = s.name == StrategyAlphabetical
			break
		}
	}

	for i := range out {
		out[i].Owner = decision.Owner != "" && out[i].SenderName == decision.Owner
	}
	return out, decision
}

func bySelfLabel(in ownerInput) (string, bool) {
	for _, s := range in.senders {
		if _, ok := selfLabels[strings.ToLower(strings.TrimSpace(s))]; ok {
			return s, true
		}
	}
	return "", false
}

// byChatName picks the sender whose name is not the chat's name. One-to-one
// exports are named after the other participant.
func byChatName(in ownerInput) (string, bool) {
	if len(in.senders) != 2 {
		return "", false
	}
	chat := normalizeName(in.chatName)
	if chat == "" {
		return "", false
	}
	for i, s := range in.senders {
		name := normalizeName(s)
		if name == "" {
			continue
		}
		if strings.Contains(chat, name) || strings.Contains(name, chat) {
			return in.senders[1-i], true
		}
	}
	return "", false
}

// byPhoneNumber picks the named sender when the other one is shown as a bare
// phone number, which happens for contacts missing from the address book.
func byPhoneNumber(in ownerInput) (string, bool) {
	if len(in.senders) != 2 {
		return "", false
	}
	a, b := isPhoneNumber(in.senders[0]), isPhoneNumber(in.senders[1])
	switch {
	case a && !b:
		return in.senders[1], true
	case b && !a:
		return in.senders[0], true
	}
	return "", false
}

func byMessageCount(in ownerInput) (string, bool) {
	if len(in.senders) != 2 || in.total == 0 {
		return "", false
	}
	a, b := in.senders[0], in.senders[1]
	minority := a
	if in.counts[b] < in.counts[a] {
		minority = b
	}
	if float64(in.counts[minority])/float64(in.total) < minorityShare {
		return minority, true
	}
	return "", false
}

func byAlphabet(in ownerInput) (string, bool) {
	if len(in.senders) != 2 {
		return "", false
	}
	sorted := append([]string(nil), in.senders...)
	sort.Strings(sorted)
	return sorted[0], true
}

func isPhoneNumber(s string) bool {
	s = strings.TrimSpace(s)
	return phoneNumber.MatchString(s) && strings.IndexFunc(s, unicode.IsDigit) >= 0
}

// normalizeName case-folds s and keeps only letters and digits, so that
// "Karim 🌴" and "karim" compare equal.
func normalizeName(s string) string {
	folded := cases.Fold().String(norm.NFKC.String(s))
	var b strings.Builder
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
