package attribution

import (
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// headingLeadRe matches one or more markdown heading lines (1-3 '#' followed by
// whitespace or the end of the line) at the very start of a section. Headings
// are stripped whether or not they name anyone. "#1 rule" is prose, not a heading.
var headingLeadRe = regexp.MustCompile(`^(?:[ \t]*#{1,3}(?:[ \t][^\n]*)?(?:\n+|$))+`)

// nameForms are the regex-escaped spellings a rule can be built from.
type nameForms struct {
	full  string
	first string // empty for single-word names
}

func formsOf(name string) nameForms {
	name = strings.TrimSpace(name)
	f := nameForms{full: regexp.QuoteMeta(name)}
	if parts := strings.Fields(name); len(parts) > 1 {
		f.first = regexp.QuoteMeta(parts[0])
	}
	return f
}

// stripRule is one row of the name-artifact table. pattern returns "" when the
// rule does not apply to the given name (first-name rules on single-word names).
// Rules that capitalize capture the first letter of the following word in group 1.
type stripRule struct {
	name       string
	pattern    func(nameForms) string
	capitalize bool
}

// nameRules is evaluated top to bottom per candidate character; the first hit wins.
var nameRules = []stripRule{
	{
		name:    "full_name_line",
		pattern: func(n nameForms) string { return `^(?i:` + n.full + `)[ \t]*:?[ \t]*\n+` },
	},
	{
		name: "first_name_line",
		pattern: func(n nameForms) string {
			if n.first == "" {
				return ""
			}
			return `^(?i:` + n.first + `)[ \t]*:?[ \t]*\n+`
		},
	},
	{
		name:       "full_name_possessive",
		pattern:    func(n nameForms) string { return `^(?i:` + n.full + `)['’]s[ \t]+(\p{L})` },
		capitalize: true,
	},
	{
		name: "first_name_possessive",
		pattern: func(n nameForms) string {
			if n.first == "" {
				return ""
			}
			return `^(?i:` + n.first + `)['’]s[ \t]+(\p{L})`
		},
		capitalize: true,
	},
	{
		name:       "full_name_verb",
		pattern:    func(n nameForms) string { return `^(?i:` + n.full + `)[ \t]+(\p{Ll})` },
		capitalize: true,
	},
	{
		name: "first_name_verb",
		pattern: func(n nameForms) string {
			if n.first == "" {
				return ""
			}
			return `^(?i:` + n.first + `)[ \t]+(\p{Ll})`
		},
		capitalize: true,
	},
}

var ruleCache sync.Map // pattern string -> *regexp.Regexp

func compileRule(pattern string) *regexp.Regexp {
	if v, ok := ruleCache.Load(pattern); ok {
		return v.(*regexp.Regexp)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		// Names are quoted, so this only guards against unexpected syntax.
		return nil
	}
	ruleCache.Store(pattern, re)
	return re
}

// apply runs the rule against text for one name and reports whether it matched.
func (r stripRule) apply(text string, forms nameForms) (string, bool) {
	pattern := r.pattern(forms)
	if pattern == "" {
		return text, false
	}
	re := compileRule(pattern)
	if re == nil {
		return text, false
	}
	loc := re.FindStringSubmatchIndex(text)
	if loc == nil {
		return text, false
	}
	if r.capitalize && len(loc) >= 4 && loc[2] >= 0 {
		return capitalizeFirst(text[loc[2]:]), true
	}
	return text[loc[1]:], true
}

// stripNameArtifacts drops leading heading lines, then removes at most one
// name artifact from what remains. The speaker (when known) is tried before the
// rest of the candidates.
func stripNameArtifacts(text, speaker string, candidates []string) string {
	text = strings.TrimSpace(text)
	if loc := headingLeadRe.FindStringIndex(text); loc != nil && loc[1] > 0 {
		text = strings.TrimSpace(text[loc[1]:])
	}
	if text == "" {
		return text
	}

	for _, name := range orderCandidates(speaker, candidates) {
		forms := formsOf(name)
		if forms.full == "" {
			continue
		}
		for _, rule := range nameRules {
			if out, ok := rule.apply(text, forms); ok {
				return strings.TrimSpace(out)
			}
		}
	}
	return text
}

func orderCandidates(speaker string, candidates []string) []string {
	if speaker == "" {
		return candidates
	}
	out := make([]string, 0, len(candidates)+1)
	out = append(out, speaker)
	for _, c := range candidates {
		if c != speaker {
			out = append(out, c)
		}
	}
	return out
}

func capitalizeFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || !unicode.IsLower(r) {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
