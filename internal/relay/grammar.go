package relay

import (
	"regexp"
	"strings"
)

type DirectiveKind int

const (
	NoMatch DirectiveKind = iota
	Reply
	Summary
	ProfileDelta
)

func (k DirectiveKind) String() string {
	switch k {
	case Reply:
		return "reply"
	case Summary:
		return "summary"
	case ProfileDelta:
		return "profile"
	default:
		return "none"
	}
}

// Directive is one structured line extracted from model output. Name is set
// for ProfileDelta only.
type Directive struct {
	Kind DirectiveKind
	Name string
	Text string
}

// A directive never spans lines, so an unterminated tag matches nothing
// instead of running into the next directive.
var (
	replyPattern   = regexp.MustCompile(`USER (.+?) SAYS (.+?) END`)
	summaryPattern = regexp.MustCompile(`SUMMARY (.+?) END`)
	profilePattern = regexp.MustCompile(`USER (.+?) INFO (.+?) END`)
)

// Grammar reads the tagged lines the prompts ask the model to produce.
type Grammar struct {
	assistant string
}

func NewGrammar(assistant string) Grammar {
	return Grammar{assistant: strings.TrimSpace(assistant)}
}

func (g Grammar) isAssistant(name string) bool {
	return strings.EqualFold(strings.TrimSpace(name), g.assistant)
}

// ParseReply returns a Reply directive when the first USER ... SAYS ... END
// line is attributed to the assistant, NoMatch otherwise.
func (g Grammar) ParseReply(raw string) Directive {
	m := replyPattern.FindStringSubmatch(raw)
	if m == nil || !g.isAssistant(m[1]) {
		return Directive{Kind: NoMatch}
	}
	text := strings.TrimSpace(m[2])
	if text == "" {
		return Directive{Kind: NoMatch}
	}
	return Directive{Kind: Reply, Text: text}
}

func (g Grammar) ParseSummary(raw string) Directive {
	m := summaryPattern.FindStringSubmatch(raw)
	if m == nil {
		return Directive{Kind: NoMatch}
	}
	text := strings.TrimSpace(m[1])
	if text == "" {
		return Directive{Kind: NoMatch}
	}
	return Directive{Kind: Summary, Text: text}
}

// ParseProfiles returns every USER ... INFO ... END line in order, skipping
// lines about the assistant itself.
func (g Grammar) ParseProfiles(raw string) []Directive {
	var out []Directive
	for _, m := range profilePattern.FindAllStringSubmatch(raw, -1) {
		name := strings.TrimSpace(m[1])
		info := strings.TrimSpace(m[2])
		if name == "" || info == "" || g.isAssistant(name) {
			continue
		}
		out = append(out, Directive{Kind: ProfileDelta, Name: name, Text: info})
	}
	return out
}

// ParseCompaction returns the summary directive (if any) followed by the
// profile deltas.
func (g Grammar) ParseCompaction(raw string) []Directive {
	var out []Directive
	if d := g.ParseSummary(raw); d.Kind == Summary {
		out = append(out, d)
	}
	return append(out, g.ParseProfiles(raw)...)
}
