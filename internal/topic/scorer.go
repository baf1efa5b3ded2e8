// Package topic scores how strongly a new piece of activity diverges
// from a conversation's recent context.
//
// The scorer is a pure, deterministic function: no store access, no
// clock reads, no external services. It combines four independent
// signals, each normalized to [0,1], with fixed weights summing to 1.
package topic

import (
	"path"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ObservationContext is the slice of an observation the scorer reads.
type ObservationContext struct {
	ToolName      string
	InputSummary  string
	OutputSummary string
	Files         []string
}

// Context is everything the scorer needs for one decision.
type Context struct {
	// CurrentTopic is the active conversation's topic label; empty
	// means none, which short-circuits to score 0.
	CurrentTopic string

	// Recent is the bounded window of recent observations, newest
	// first.
	Recent []ObservationContext

	// Activity is the new activity text being classified.
	Activity string

	// IdleGap is the time since the session's last observation, and
	// TypicalCadence the session's usual spacing between observations.
	IdleGap        time.Duration
	TypicalCadence time.Duration
}

// Result is the scorer's output. InferredTopic may be empty; callers
// substitute a placeholder where a label is required.
type Result struct {
	Score         float64
	InferredTopic string
}

// Weights are the fixed signal weights. They sum to 1.
type Weights struct {
	Lexical  float64
	FilePath float64
	Pivot    float64
	Recency  float64
}

// DefaultWeights is the production weighting.
var DefaultWeights = Weights{
	Lexical:  0.40,
	FilePath: 0.30,
	Pivot:    0.20,
	Recency:  0.10,
}

// pivotPhrases are explicit transition cues. Any one of them maxes the
// pivot signal.
var pivotPhrases = []string{
	"let's switch to",
	"lets switch to",
	"switching to",
	"now let's",
	"now lets",
	"moving on to",
	"different issue",
	"different topic",
	"separate issue",
	"unrelated, but",
	"new topic",
}

// Score evaluates the context with the default weights.
func Score(ctx Context) Result {
	return ScoreWeighted(ctx, DefaultWeights)
}

// ScoreWeighted evaluates the context with explicit weights.
func ScoreWeighted(ctx Context, w Weights) Result {
	if ctx.CurrentTopic == "" {
		// Fresh conversation: nothing to diverge from.
		return Result{Score: 0}
	}

	lexical := lexicalDivergence(ctx)
	files := filePathDivergence(ctx)
	pivot := pivotSignal(ctx.Activity)
	recency := recencySignal(ctx.IdleGap, ctx.TypicalCadence)

	score := w.Lexical*lexical + w.FilePath*files + w.Pivot*pivot + w.Recency*recency
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	return Result{
		Score:         score,
		InferredTopic: InferTopic(ctx),
	}
}

// ─── Signals ─────────────────────────────────────────────────────────────────

// lexicalDivergence is 1 minus the Jaccard overlap between the
// activity's tokens and the recent window's (including the current
// topic label). No evidence on either side contributes nothing.
func lexicalDivergence(ctx Context) float64 {
	activity := tokenSet(ctx.Activity)

	recent := tokenSet(ctx.CurrentTopic)
	for _, o := range ctx.Recent {
		for tok := range tokenSet(o.InputSummary + " " + o.OutputSummary) {
			recent[tok] = true
		}
	}

	if len(activity) == 0 || len(recent) == 0 {
		return 0
	}

	inter := 0
	for tok := range activity {
		if recent[tok] {
			inter++
		}
	}
	union := len(activity) + len(recent) - inter
	return 1 - float64(inter)/float64(union)
}

// filePathDivergence compares files mentioned in the activity against
// files touched in the recent window. No files in the activity means no
// evidence; a fully disjoint set is maximal divergence.
func filePathDivergence(ctx Context) float64 {
	activityFiles := extractFiles(ctx.Activity)
	if len(activityFiles) == 0 {
		return 0
	}

	recentFiles := map[string]bool{}
	for _, o := range ctx.Recent {
		for _, f := range o.Files {
			recentFiles[normalizeFile(f)] = true
		}
		for f := range extractFiles(o.InputSummary + " " + o.OutputSummary) {
			recentFiles[f] = true
		}
	}
	if len(recentFiles) == 0 {
		return 0
	}

	overlap := 0
	for f := range activityFiles {
		if recentFiles[f] {
			overlap++
		}
	}
	return 1 - float64(overlap)/float64(len(activityFiles))
}

// pivotSignal is 1 when the activity contains an explicit transition
// phrase, 0 otherwise. The weight caps the bonus.
func pivotSignal(activity string) float64 {
	text := strings.ToLower(activity)
	for _, phrase := range pivotPhrases {
		if strings.Contains(text, phrase) {
			return 1
		}
	}
	return 0
}

// recencySignal adds evidence when the activity follows an idle gap
// well beyond the session's typical cadence: stale context is weaker
// evidence the topic continues.
func recencySignal(gap, typical time.Duration) float64 {
	if typical <= 0 || gap <= typical {
		return 0
	}
	v := float64(gap-typical) / float64(3*typical)
	if v > 1 {
		v = 1
	}
	return v
}

// ─── Topic inference ─────────────────────────────────────────────────────────

// InferTopic produces a short heuristic label for the activity: the
// dominant file not seen in the recent window if there is one, else the
// leading significant words. Empty when nothing usable is present.
func InferTopic(ctx Context) string {
	recentFiles := map[string]bool{}
	for _, o := range ctx.Recent {
		for _, f := range o.Files {
			recentFiles[normalizeFile(f)] = true
		}
	}

	var newFiles []string
	for f := range extractFiles(ctx.Activity) {
		if !recentFiles[f] {
			newFiles = append(newFiles, f)
		}
	}
	if len(newFiles) > 0 {
		sort.Strings(newFiles)
		base := path.Base(newFiles[0])
		if ext := path.Ext(base); ext != "" {
			base = strings.TrimSuffix(base, ext)
		}
		if base != "" && base != "." {
			return kebab(base)
		}
	}

	words := significantWords(ctx.Activity, 4)
	if len(words) == 0 {
		return ""
	}
	return strings.Join(words, "-")
}

// ─── Text helpers ────────────────────────────────────────────────────────────

// stopwords to ignore in both token overlap and topic inference.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "what": true, "when": true,
	"where": true, "how": true, "can": true, "you": true, "are": true,
	"was": true, "were": true, "has": true, "have": true, "had": true,
	"not": true, "but": true, "now": true, "lets": true, "let": true,
	"its": true, "our": true, "your": true, "will": true, "should": true,
	"would": true, "could": true, "about": true, "then": true, "them": true,
	"there": true, "here": true, "just": true, "also": true, "some": true,
	"please": true, "need": true, "want": true, "make": true, "like": true,
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// filePattern matches path-ish tokens: something with a slash or an
// extension.
var filePattern = regexp.MustCompile(`[\w~./-]*/[\w./-]+|\b[\w-]+\.[a-z]{1,5}\b`)

func tokenSet(text string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		if len(tok) < 3 || stopwords[tok] {
			continue
		}
		set[tok] = true
	}
	return set
}

func extractFiles(text string) map[string]bool {
	set := map[string]bool{}
	for _, m := range filePattern.FindAllString(text, -1) {
		f := normalizeFile(m)
		if f != "" {
			set[f] = true
		}
	}
	return set
}

func normalizeFile(f string) string {
	f = strings.Trim(strings.TrimSpace(f), "./")
	return strings.ToLower(f)
}

func significantWords(text string, max int) []string {
	var words []string
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		if len(tok) < 3 || stopwords[tok] {
			continue
		}
		words = append(words, tok)
		if len(words) == max {
			break
		}
	}
	return words
}

func kebab(s string) string {
	parts := tokenPattern.FindAllString(strings.ToLower(s), -1)
	return strings.Join(parts, "-")
}
