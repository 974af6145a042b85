// Package segment turns the raw RAG text stream into speech-ready chunks.
//
// Fragment boundaries from the answer stream are arbitrary, so the cleaner
// accumulates text, normalises it, and cuts chunks on sentence boundaries
// within configured size bounds. Cutting early keeps time-to-first-audio low;
// the minimum bound avoids micro-chunks that glitch audibly at segment joins.
//
// The cleaner is a plain state machine driven by [Cleaner.Push] and
// [Cleaner.Flush]; the orchestrator owns the goroutine and channels around it.
package segment

import (
	"regexp"
	"strings"
	"unicode"
)

// Default size bounds, in runes.
const (
	DefaultMinChunkSize = 40
	DefaultSoftMin      = 80
	DefaultMaxChunkSize = 260
)

// carryLimit bounds how much tail text is withheld while waiting for a
// possibly split citation marker to complete.
const carryLimit = 24

// Chunk is one speech-ready piece of the answer. Seq values form a dense
// prefix per request; exactly one chunk carries Finalized=true and it is the
// last one.
type Chunk struct {
	Seq       int
	Text      string
	Finalized bool
}

// Substitution rewrites matches of Pattern with Replace during
// normalisation.
type Substitution struct {
	Pattern *regexp.Regexp
	Replace string
}

// DefaultSubstitutions strips bracketed citation markers such as 【3】 and
// [12] that retrieval backends interleave with the answer text.
func DefaultSubstitutions() []Substitution {
	return []Substitution{
		{Pattern: regexp.MustCompile(`【[^】]*】`), Replace: ""},
		{Pattern: regexp.MustCompile(`\[[0-9]{1,3}\]`), Replace: ""},
	}
}

// Config holds the per-request segmentation bounds.
type Config struct {
	// MinChunkSize is the smallest buffer (runes) eligible for emission.
	MinChunkSize int

	// SoftMin is the terminator position at or beyond which a sentence
	// boundary triggers emission.
	SoftMin int

	// MaxChunkSize is the hard upper bound of one chunk.
	MaxChunkSize int

	// Substitutions are applied during normalisation, before buffering.
	Substitutions []Substitution
}

// DefaultConfig returns the standard bounds with citation stripping.
func DefaultConfig() Config {
	return Config{
		MinChunkSize:  DefaultMinChunkSize,
		SoftMin:       DefaultSoftMin,
		MaxChunkSize:  DefaultMaxChunkSize,
		Substitutions: DefaultSubstitutions(),
	}
}

// normalize applies defaults to zero or inverted values.
func (c Config) normalize() Config {
	if c.MinChunkSize <= 0 {
		c.MinChunkSize = DefaultMinChunkSize
	}
	if c.SoftMin <= 0 {
		c.SoftMin = DefaultSoftMin
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = DefaultMaxChunkSize
	}
	if c.MaxChunkSize < c.MinChunkSize {
		c.MaxChunkSize = c.MinChunkSize
	}
	return c
}

// Cleaner accumulates normalised answer text and emits [Chunk]s. Not safe
// for concurrent use; one cleaner serves one request.
type Cleaner struct {
	cfg Config

	buf       []rune
	carry     string // withheld tail that may open a split citation marker
	seq       int
	lastSpace bool
	finalized bool
}

// NewCleaner creates a cleaner with the given bounds.
func NewCleaner(cfg Config) *Cleaner {
	return &Cleaner{cfg: cfg.normalize()}
}

// Push feeds one raw fragment and returns any chunks that became emittable.
func (c *Cleaner) Push(fragment string) []Chunk {
	if c.finalized {
		return nil
	}

	text := c.carry + fragment
	c.carry = ""

	// Withhold an unterminated citation opener near the tail so a marker
	// split across fragments is still stripped as a unit.
	if idx := openMarkerIndex(text); idx >= 0 && len(text)-idx <= carryLimit {
		c.carry = text[idx:]
		text = text[:idx]
	}

	for _, sub := range c.cfg.Substitutions {
		text = sub.Pattern.ReplaceAllString(text, sub.Replace)
	}

	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		if unicode.IsSpace(r) {
			if c.lastSpace || len(c.buf) == 0 {
				continue
			}
			c.lastSpace = true
			c.buf = append(c.buf, ' ')
			continue
		}
		c.lastSpace = false
		c.buf = append(c.buf, r)
	}

	return c.drain()
}

// Flush ends the stream: any remaining text becomes the final chunk. An
// empty buffer still yields one empty finalized chunk, which downstream
// treats as an end-of-stream sentinel only.
func (c *Cleaner) Flush() []Chunk {
	if c.finalized {
		return nil
	}

	var out []Chunk
	if c.carry != "" {
		out = c.Push("") // fold the withheld tail back in
	}

	c.finalized = true
	text := strings.TrimSpace(string(c.buf))
	c.buf = c.buf[:0]

	out = append(out, Chunk{Seq: c.seq, Text: text, Finalized: true})
	c.seq++
	return out
}

// drain emits chunks while the buffer satisfies an emission rule.
func (c *Cleaner) drain() []Chunk {
	var out []Chunk
	for {
		cut := c.cutPoint()
		if cut <= 0 {
			return out
		}
		text := strings.TrimSpace(string(c.buf[:cut]))
		rest := c.buf[cut:]
		for len(rest) > 0 && unicode.IsSpace(rest[0]) {
			rest = rest[1:]
		}
		c.buf = append(c.buf[:0], rest...)
		if text == "" {
			continue
		}
		out = append(out, Chunk{Seq: c.seq, Text: text})
		c.seq++
	}
}

// cutPoint returns the rune index (exclusive) at which to cut the next
// chunk, or 0 if no rule applies yet.
func (c *Cleaner) cutPoint() int {
	n := len(c.buf)

	// Sentence-boundary emission once the soft minimum is covered.
	if n >= c.cfg.MinChunkSize {
		if t := lastTerminator(c.buf, n); t+1 >= c.cfg.SoftMin {
			return t + 1
		}
	}

	if n < c.cfg.MaxChunkSize {
		return 0
	}

	// Hard bound: prefer the latest terminator, then the last whitespace,
	// then cut at exactly the bound.
	if t := lastTerminator(c.buf, c.cfg.MaxChunkSize); t >= 0 {
		return t + 1
	}
	for i := c.cfg.MaxChunkSize - 1; i > 0; i-- {
		if unicode.IsSpace(c.buf[i]) {
			return i
		}
	}
	return c.cfg.MaxChunkSize
}

// lastTerminator returns the index of the last sentence terminator within
// buf[:limit], or -1. ASCII terminators count only when followed by
// whitespace (closing quotes in between are absorbed); fullwidth CJK
// terminators delimit on their own.
func lastTerminator(buf []rune, limit int) int {
	if limit > len(buf) {
		limit = len(buf)
	}
	for i := limit - 1; i >= 0; i-- {
		switch buf[i] {
		case '。', '！', '？', '；':
			return i
		case '.', '!', '?', ';':
			j := i + 1
			for j < len(buf) && isClosingQuote(buf[j]) {
				j++
			}
			if j >= len(buf) || unicode.IsSpace(buf[j]) {
				// Keep trailing quotes inside the sentence.
				return j - 1
			}
		}
	}
	return -1
}

// isClosingQuote reports whether r closes a quotation or bracket and should
// stay attached to the sentence it ends.
func isClosingQuote(r rune) bool {
	switch r {
	case '"', '\'', '”', '’', '」', '』', '）', ')', '»':
		return true
	}
	return false
}

// openMarkerIndex returns the index of a trailing unclosed citation opener
// in s, or -1.
func openMarkerIndex(s string) int {
	open := strings.LastIndexAny(s, "【[")
	if open < 0 {
		return -1
	}
	if strings.ContainsAny(s[open:], "】]") {
		return -1 // already closed
	}
	return open
}
