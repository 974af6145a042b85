package orchestrator

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// IntentType partitions visitor utterances into handling classes.
type IntentType string

const (
	// IntentGreeting is small talk answered from a template without RAG.
	IntentGreeting IntentType = "greeting"

	// IntentTourControl is a spoken tour command ("下一个", "暂停").
	IntentTourControl IntentType = "tour_control"

	// IntentQuestion is a real question routed through RAG.
	IntentQuestion IntentType = "question"
)

// TourAction names the tour command recognised in a tour_control utterance.
type TourAction string

const (
	ActionNext   TourAction = "next"
	ActionPrev   TourAction = "prev"
	ActionPause  TourAction = "pause"
	ActionResume TourAction = "resume"
	ActionStop   TourAction = "stop"
)

// Intent is the classification result for one utterance.
type Intent struct {
	Type IntentType

	// Action is set for tour_control intents.
	Action TourAction

	// Reply is the templated answer for greeting and tour_control intents.
	Reply string
}

// IntentConfig holds the phrase tables and templates driving classification.
type IntentConfig struct {
	// Greetings are utterances treated as small talk.
	Greetings []string

	// GreetingReply is the templated answer spoken for greetings.
	GreetingReply string

	// ControlReply acknowledges a recognised tour command.
	ControlReply string

	// MaxDistance is the Damerau-Levenshtein budget for a fuzzy phrase
	// match, bounding ASR transcription noise. Default 1.
	MaxDistance int
}

// DefaultIntentConfig returns the built-in bilingual phrase tables.
func DefaultIntentConfig() IntentConfig {
	return IntentConfig{
		Greetings: []string{
			"你好", "您好", "你好呀", "早上好", "下午好", "晚上好",
			"hello", "hi", "hey", "good morning", "good afternoon",
		},
		GreetingReply: "你好，欢迎参观！有什么想了解的，随时问我。",
		ControlReply:  "好的。",
		MaxDistance:   1,
	}
}

// controlPhrases maps spoken tour commands onto actions. Matched fuzzily so
// an ASR slip like "下一各" still lands.
var controlPhrases = map[string]TourAction{
	"下一个":      ActionNext,
	"下一站":      ActionNext,
	"继续下一个":    ActionNext,
	"next":     ActionNext,
	"上一个":      ActionPrev,
	"上一站":      ActionPrev,
	"previous": ActionPrev,
	"back":     ActionPrev,
	"暂停":       ActionPause,
	"停一下":      ActionPause,
	"pause":    ActionPause,
	"继续":       ActionResume,
	"继续讲":      ActionResume,
	"resume":   ActionResume,
	"continue": ActionResume,
	"停止":       ActionStop,
	"结束讲解":     ActionStop,
	"stop":     ActionStop,
}

// Classifier decides how an utterance is handled. Stateless and safe for
// concurrent use.
type Classifier struct {
	cfg IntentConfig
}

// NewClassifier creates a Classifier, filling config defaults.
func NewClassifier(cfg IntentConfig) *Classifier {
	def := DefaultIntentConfig()
	if len(cfg.Greetings) == 0 {
		cfg.Greetings = def.Greetings
	}
	if cfg.GreetingReply == "" {
		cfg.GreetingReply = def.GreetingReply
	}
	if cfg.ControlReply == "" {
		cfg.ControlReply = def.ControlReply
	}
	if cfg.MaxDistance <= 0 {
		cfg.MaxDistance = def.MaxDistance
	}
	return &Classifier{cfg: cfg}
}

// Classify maps an utterance to its intent. Anything not recognised as a
// greeting or tour command is a question.
func (c *Classifier) Classify(text string) Intent {
	norm := normalizeUtterance(text)
	if norm == "" {
		return Intent{Type: IntentQuestion}
	}

	for phrase, action := range controlPhrases {
		if c.matches(norm, phrase) {
			return Intent{Type: IntentTourControl, Action: action, Reply: c.cfg.ControlReply}
		}
	}
	for _, phrase := range c.cfg.Greetings {
		if c.matches(norm, normalizeUtterance(phrase)) {
			return Intent{Type: IntentGreeting, Reply: c.cfg.GreetingReply}
		}
	}
	return Intent{Type: IntentQuestion}
}

// matches reports whether an utterance is the given phrase, allowing a small
// edit distance for transcription noise. Long utterances never match a short
// phrase: "下一个展厅是什么" is a question, not a command.
func (c *Classifier) matches(utterance, phrase string) bool {
	if utterance == phrase {
		return true
	}
	if len([]rune(utterance)) > len([]rune(phrase))+c.cfg.MaxDistance {
		return false
	}
	return matchr.DamerauLevenshtein(utterance, phrase) <= c.cfg.MaxDistance
}

// normalizeUtterance lowercases and strips punctuation and whitespace so
// "你好！" and "Hello?" compare against their bare phrase forms.
func normalizeUtterance(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsPunct(r) || unicode.IsSpace(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
