// Package rules rewrites transcript text with vocabulary substitutions, for
// example turning "cooper netties" into "Kubernetes".
package rules

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"interviewcopilot/internal/observability/logging"
)

const defaultIterationLimit = 30

// Config says where substitutions come from. Inline entries use the same
// syntax as lines of the file and run after them.
type Config struct {
	Path           string
	Inline         []string
	IterationLimit int
}

type substitution interface {
	Apply(input string) (output string, changed bool)
}

// Parser turns one rule line into a substitution.
type Parser interface {
	CanParse(line string) bool
	Parse(line string) (substitution, error)
}

// Engine applies substitutions until the text stops changing.
type Engine struct {
	subs           []substitution
	iterationLimit int
}

// New loads cfg with the built-in literal and sed-style parsers. A missing
// file is not an error.
func New(cfg Config) (*Engine, error) {
	return NewWithParsers(cfg, defaultParsers())
}

func NewWithParsers(cfg Config, parsers []Parser) (*Engine, error) {
	limit := cfg.IterationLimit
	if limit <= 0 {
		limit = defaultIterationLimit
	}
	if len(parsers) == 0 {
		parsers = defaultParsers()
	}

	logger := logging.WithComponent("rules")
	var subs []substitution
	if path := strings.TrimSpace(cfg.Path); path != "" {
		contents, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Debug().Str("path", path).Msg("no substitutions file")
		case err != nil:
			return nil, fmt.Errorf("read substitutions %q: %w", path, err)
		default:
			parsed, err := parseLines(strings.Split(string(contents), "\n"), parsers)
			if err != nil {
				return nil, fmt.Errorf("parse substitutions %q: %w", path, err)
			}
			subs = parsed
		}
	}

	inline, err := parseLines(cfg.Inline, parsers)
	if err != nil {
		return nil, fmt.Errorf("parse inline substitutions: %w", err)
	}
	subs = append(subs, inline...)

	logger.Info().Int("substitutions", len(subs)).Msg("vocabulary loaded")
	return &Engine{subs: subs, iterationLimit: limit}, nil
}

// Len reports how many substitutions are loaded.
func (e *Engine) Len() int { return len(e.subs) }

// Apply rewrites text. It never fails; the error return satisfies
// ports.TextTransformer.
func (e *Engine) Apply(text string) (string, error) {
	if len(e.subs) == 0 || text == "" {
		return text, nil
	}

	result := text
	for pass := 0; pass < e.iterationLimit; pass++ {
		changed := false
		for _, s := range e.subs {
			if next, ok := s.Apply(result); ok {
				result = next
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return result, nil
}

func parseLines(lines []string, parsers []Parser) ([]substitution, error) {
	subs := make([]substitution, 0, len(lines))
	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sub, err := parseLine(line, parsers)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func parseLine(line string, parsers []Parser) (substitution, error) {
	for _, p := range parsers {
		if p.CanParse(line) {
			return p.Parse(line)
		}
	}
	return nil, errors.New("unsupported rule format")
}

func defaultParsers() []Parser {
	return []Parser{sedParser{}, literalParser{}}
}

// literalParser reads "from => to", matched case-insensitively on word
// boundaries.
type literalParser struct{}

func (literalParser) CanParse(line string) bool { return strings.Contains(line, "=>") }

func (literalParser) Parse(line string) (substitution, error) {
	from, to, _ := strings.Cut(line, "=>")
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" {
		return nil, errors.New("literal rule needs a source phrase")
	}
	pattern := regexp.QuoteMeta(from)
	if isWord(from[0]) {
		pattern = `\b` + pattern
	}
	if isWord(from[len(from)-1]) {
		pattern += `\b`
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("literal rule: %w", err)
	}
	return regexSub{re: re, replacement: to, global: true}, nil
}

// sedParser reads "s/pattern/replacement/flags" with any non-alphanumeric
// delimiter. Matching is case-insensitive; only the first match is replaced
// unless the g flag is set.
type sedParser struct{}

func (sedParser) CanParse(line string) bool {
	return len(line) > 1 && line[0] == 's' && !isWordOrSpace(line[1])
}

func (sedParser) Parse(line string) (substitution, error) {
	delim := line[1]
	pattern, next, err := readDelimited(line, 2, delim)
	if err != nil {
		return nil, fmt.Errorf("sed pattern: %w", err)
	}
	replacement, next, err := readDelimited(line, next, delim)
	if err != nil {
		return nil, fmt.Errorf("sed replacement: %w", err)
	}

	inline := "i"
	global := false
	for _, flag := range strings.TrimSpace(line[next:]) {
		switch flag {
		case 'i', ' ':
		case 'g':
			global = true
		case 'm':
			inline += "m"
		case 's':
			inline += "s"
		default:
			return nil, fmt.Errorf("unsupported sed flag %q", flag)
		}
	}

	re, err := regexp.Compile("(?" + inline + ")" + pattern)
	if err != nil {
		return nil, fmt.Errorf("sed pattern: %w", err)
	}
	return regexSub{re: re, replacement: replacement, global: global}, nil
}

type regexSub struct {
	re          *regexp.Regexp
	replacement string
	global      bool
}

func (r regexSub) Apply(input string) (string, bool) {
	if r.global {
		out := r.re.ReplaceAllString(input, r.replacement)
		return out, out != input
	}
	loc := r.re.FindStringSubmatchIndex(input)
	if loc == nil {
		return input, false
	}
	expanded := r.re.ExpandString(nil, r.replacement, input, loc)
	out := input[:loc[0]] + string(expanded) + input[loc[1]:]
	return out, out != input
}

func readDelimited(line string, start int, delim byte) (string, int, error) {
	if start >= len(line) {
		return "", 0, errors.New("unexpected end of rule")
	}
	var b strings.Builder
	for i := start; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && i+1 < len(line):
			if line[i+1] != delim {
				b.WriteByte(c)
			}
			b.WriteByte(line[i+1])
			i++
		case c == delim:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, errors.New("unterminated expression")
}

func isWord(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}

func isWordOrSpace(c byte) bool {
	return isWord(c) || c == ' ' || c == '\t'
}
