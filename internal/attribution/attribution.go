// Package attribution splits generated prose into per-character sections and
// strips the name artifacts the generation model tends to leave behind.
package attribution

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ent0n29/taleweave/internal/roleplay"
)

// DetectionWindow is how many characters of an unmarked section are scanned
// for a speaker name when several AI characters are active.
var DetectionWindow = 200

// Section is one contiguous span attributed to a speaker. An empty
// CharacterName means the span is unattributed.
type Section struct {
	CharacterName string `json:"character_name,omitempty"`
	Text          string `json:"text"`
}

// Result is the parser output for one piece of content.
type Result struct {
	CleanedContent string    `json:"cleaned_content"`
	Sections       []Section `json:"sections"`
	PrimarySpeaker string    `json:"primary_speaker,omitempty"`
}

// Attribute splits content by speaker markers, strips name artifacts and
// resolves speakers against the active non-player part of the roster. It never
// fails: unrecognised input comes back as a single unattributed section.
func Attribute(content string, roster []roleplay.Character) Result {
	candidates := candidateNames(roster)

	raw := splitSections(content, candidates)
	if len(raw) == 0 {
		return Result{CleanedContent: content, Sections: []Section{{Text: content}}}
	}

	sections := make([]Section, 0, len(raw))
	for _, s := range raw {
		speaker := s.speaker
		if !s.marked && !s.preamble {
			speaker = detectSpeaker(s.text, candidates)
		}
		text := stripNameArtifacts(s.text, speaker, candidates)
		if text == "" && len(raw) > 1 {
			continue
		}
		sections = append(sections, Section{CharacterName: speaker, Text: text})
	}
	if len(sections) == 0 {
		return Result{Sections: []Section{{}}}
	}

	if len(sections) == 1 {
		return Result{
			CleanedContent: sections[0].Text,
			Sections:       sections,
			PrimarySpeaker: sections[0].CharacterName,
		}
	}

	texts := make([]string, len(sections))
	for i, s := range sections {
		texts[i] = s.Text
	}
	return Result{
		CleanedContent: strings.Join(texts, "\n\n"),
		Sections:       sections,
		PrimarySpeaker: sections[0].CharacterName,
	}
}

// AttributeTurn renders a committed turn. Player-authored turns go straight to
// the player's name and direction turns stay unattributed; neither is stripped.
func AttributeTurn(turn roleplay.Turn, roster []roleplay.Character) Result {
	switch {
	case turn.GenerationMethod.PlayerAuthored():
		name := ""
		if p, ok := roleplay.Roster(roster).Player(); ok {
			name = p.Name
		}
		return verbatim(turn.Content, name)
	case turn.GenerationMethod == roleplay.MethodDirection:
		return verbatim(turn.Content, "")
	default:
		return Attribute(turn.Content, roster)
	}
}

func verbatim(content, speaker string) Result {
	return Result{
		CleanedContent: content,
		Sections:       []Section{{CharacterName: speaker, Text: content}},
		PrimarySpeaker: speaker,
	}
}

func candidateNames(roster []roleplay.Character) []string {
	active := roleplay.Roster(roster).ActiveNonPlayers()
	out := make([]string, 0, len(active))
	for _, c := range active {
		out = append(out, strings.TrimSpace(c.Name))
	}
	return out
}

type rawSection struct {
	speaker  string
	text     string
	marked   bool
	preamble bool
}

type marker struct {
	lineStart int
	bodyStart int
	lead      string
	speaker   string
}

// splitSections cuts content at speaker marker lines. Text before the first
// marker is kept as an unattributed preamble.
func splitSections(content string, candidates []string) []rawSection {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	var markers []marker
	pos := 0
	for pos <= len(content) {
		end := strings.IndexByte(content[pos:], '\n')
		lineEnd := len(content)
		if end >= 0 {
			lineEnd = pos + end
		}
		if m, ok := parseMarker(content, pos, lineEnd, candidates); ok {
			markers = append(markers, m)
		}
		if end < 0 {
			break
		}
		pos = lineEnd + 1
	}

	if len(markers) == 0 {
		return []rawSection{{text: strings.TrimSpace(content)}}
	}

	out := make([]rawSection, 0, len(markers)+1)
	if pre := strings.TrimSpace(content[:markers[0].lineStart]); pre != "" {
		out = append(out, rawSection{text: pre, preamble: true})
	}
	for i, m := range markers {
		end := len(content)
		if i+1 < len(markers) {
			end = markers[i+1].lineStart
		}
		out = append(out, rawSection{
			speaker: m.speaker,
			text:    strings.TrimSpace(m.lead + content[m.bodyStart:end]),
			marked:  true,
		})
	}
	return out
}

// parseMarker recognises "**Name**" at the start of a line (optionally followed
// by prose or a colon) and 1-3 level headings that mention a candidate.
func parseMarker(content string, lineStart, lineEnd int, candidates []string) (marker, bool) {
	line := content[lineStart:lineEnd]
	indent := len(line) - len(strings.TrimLeft(line, " \t"))
	trimmed := line[indent:]

	if strings.HasPrefix(trimmed, "#") {
		hashes := len(trimmed) - len(strings.TrimLeft(trimmed, "#"))
		rest := trimmed[hashes:]
		if hashes > 3 || rest == "" || (rest[0] != ' ' && rest[0] != '\t') {
			return marker{}, false
		}
		speaker := earliestName(rest, candidates)
		if speaker == "" {
			return marker{}, false
		}
		return marker{lineStart: lineStart, bodyStart: lineStart, speaker: speaker}, true
	}

	if !strings.HasPrefix(trimmed, "**") {
		return marker{}, false
	}
	closing := strings.Index(trimmed[2:], "**")
	if closing <= 0 {
		return marker{}, false
	}
	inner := strings.TrimSpace(trimmed[2 : 2+closing])
	after := trimmed[2+closing+2:]
	colon := strings.HasSuffix(inner, ":")
	label := strings.TrimSpace(strings.TrimSuffix(inner, ":"))
	if strings.HasPrefix(strings.TrimLeft(after, " \t"), ":") {
		colon = true
		after = strings.TrimPrefix(strings.TrimLeft(after, " \t"), ":")
	}
	speaker := matchLabel(label, candidates)
	if speaker == "" {
		return marker{}, false
	}

	bodyStart := lineEnd - len(after)
	m := marker{lineStart: lineStart, bodyStart: bodyStart, speaker: speaker}
	if !colon {
		// Keep the bare name so the stripping table treats it like any other lead.
		m.lead = label
	}
	return m, true
}

// matchLabel resolves a bold label to a candidate by full name, then by the
// first name of multi-word names.
func matchLabel(label string, candidates []string) string {
	if label == "" {
		return ""
	}
	for _, c := range candidates {
		if strings.EqualFold(label, c) {
			return c
		}
	}
	for _, c := range candidates {
		parts := strings.Fields(c)
		if len(parts) > 1 && strings.EqualFold(label, parts[0]) {
			return c
		}
	}
	return ""
}

// detectSpeaker applies the sole-character rule, then the earliest name found
// within DetectionWindow characters.
func detectSpeaker(text string, candidates []string) string {
	switch len(candidates) {
	case 0:
		return ""
	case 1:
		return candidates[0]
	}
	return earliestName(headRunes(text, DetectionWindow), candidates)
}

// earliestName returns the candidate whose name (or first name) occurs first in
// text. Ties go to the candidate listed first.
func earliestName(text string, candidates []string) string {
	lower := strings.ToLower(text)
	best, bestAt := "", -1
	for _, c := range candidates {
		at := indexWord(lower, strings.ToLower(c))
		if parts := strings.Fields(c); len(parts) > 1 {
			if firstAt := indexWord(lower, strings.ToLower(parts[0])); firstAt >= 0 && (at < 0 || firstAt < at) {
				at = firstAt
			}
		}
		if at < 0 {
			continue
		}
		if bestAt < 0 || at < bestAt {
			best, bestAt = c, at
		}
	}
	return best
}

// indexWord finds needle in haystack at letter/digit boundaries.
func indexWord(haystack, needle string) int {
	if needle == "" {
		return -1
	}
	from := 0
	for from <= len(haystack) {
		i := strings.Index(haystack[from:], needle)
		if i < 0 {
			return -1
		}
		at := from + i
		end := at + len(needle)
		if wordBoundaryBefore(haystack, at) && wordBoundaryAfter(haystack, end) {
			return at
		}
		from = at + 1
	}
	return -1
}

func wordBoundaryBefore(s string, at int) bool {
	if at == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:at])
	return !isWordRune(r)
}

func wordBoundaryAfter(s string, end int) bool {
	if end >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[end:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func headRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
