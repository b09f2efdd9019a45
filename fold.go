package rlm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	gmtext "github.com/yuin/goldmark/text"
)

// FoldingStats describes one fold operation.
type FoldingStats struct {
	OriginalLen int
	FoldedLen   int
	FoldTimeMS  int64
}

// Folder compresses an answer that has outgrown the context budget.
//
// The base strategy is three-section preservation over line-split input:
// keep the head verbatim, sample the middle, keep the tail verbatim. When
// the input parses as markdown with at least four heading-delimited
// sections, those sections are the sampling unit instead of raw lines, so a fold is less likely to
// orphan a heading from its body. Both paths guarantee the output is
// strictly shorter in bytes than any non-empty input.
//
// An optional LLM mode (FoldContext with a provider attached) summarizes
// through a ContextCompression-scheduled device; the heuristic runs as the
// fallback, so the shrink guarantee holds regardless.
type Folder struct {
	ratio    float64
	provider Provider
	sched    *Scheduler
	health   *HealthMonitor
	md       goldmark.Markdown
	logger   *slog.Logger
}

// FolderOption configures a Folder.
type FolderOption func(*Folder)

// FoldRatio sets the target fraction of lines to keep (default 0.7).
func FoldRatio(r float64) FolderOption {
	return func(f *Folder) {
		if r > 0 && r < 1 {
			f.ratio = r
		}
	}
}

// FoldProvider attaches an LLM used by FoldContext for semantic
// summarization. sched routes the call as a ContextCompression operation;
// health records the outcome. Either may be nil.
func FoldProvider(p Provider, sched *Scheduler, health *HealthMonitor) FolderOption {
	return func(f *Folder) {
		f.provider = p
		f.sched = sched
		f.health = health
	}
}

// FoldLogger sets a structured logger. Default: silent.
func FoldLogger(l *slog.Logger) FolderOption {
	return func(f *Folder) { f.logger = l }
}

// NewFolder creates a Folder with the default 0.7 keep ratio.
func NewFolder(opts ...FolderOption) *Folder {
	f := &Folder{
		ratio:  0.7,
		md:     goldmark.New(),
		logger: slog.New(discardLogHandler{}),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fold compresses text with the structural heuristic. For any non-empty
// input the result is strictly smaller in bytes; empty input folds to empty.
func (f *Folder) Fold(text string) (string, FoldingStats) {
	start := time.Now()
	if text == "" {
		return "", FoldingStats{}
	}

	var out string
	if sections := f.markdownSections(text); len(sections) >= 4 {
		out = foldUnits(sections, f.ratio)
	} else {
		out = foldUnits(strings.Split(text, "\n"), f.ratio)
	}
	out = enforceShrink(out, text)

	stats := FoldingStats{
		OriginalLen: len(text),
		FoldedLen:   len(out),
		FoldTimeMS:  time.Since(start).Milliseconds(),
	}
	f.logger.Debug("rlm: answer folded",
		"original_bytes", stats.OriginalLen,
		"folded_bytes", stats.FoldedLen)
	return out, stats
}

// FoldContext compresses text, preferring LLM summarization when a provider
// is attached. Any LLM-path failure, or an LLM result that does not shrink
// the input, falls back to the heuristic.
func (f *Folder) FoldContext(ctx context.Context, text string) (string, FoldingStats) {
	if f.provider == nil || text == "" {
		return f.Fold(text)
	}
	start := time.Now()

	summary, err := f.foldLLM(ctx, text)
	if err != nil || len(summary) >= len(text) || summary == "" {
		if err != nil {
			f.logger.Debug("rlm: llm fold failed, using heuristic", "error", err)
		}
		return f.Fold(text)
	}
	return summary, FoldingStats{
		OriginalLen: len(text),
		FoldedLen:   len(summary),
		FoldTimeMS:  time.Since(start).Milliseconds(),
	}
}

func (f *Folder) foldLLM(ctx context.Context, text string) (string, error) {
	var deviceID string
	if f.sched != nil {
		dev, err := f.sched.Pick(ContextCompression())
		if err != nil {
			return "", err
		}
		deviceID = dev.ID
	}

	req := ChatRequest{Messages: []ChatMessage{
		SystemMessage("Compress the following working answer. Preserve code blocks, conclusions, and open questions. Output only the compressed text."),
		UserMessage(text),
	}}
	callStart := time.Now()
	resp, err := f.provider.Chat(ctx, req)
	if f.health != nil && deviceID != "" {
		if err != nil {
			f.health.MarkFailure(deviceID)
		} else {
			f.health.MarkSuccess(deviceID, time.Since(callStart))
		}
	}
	if err != nil {
		return "", fmt.Errorf("fold via llm: %w", err)
	}
	return resp.Content, nil
}

// markdownSections splits text into heading-delimited sections when a
// goldmark parse finds at least one heading. Returns nil for text without
// headings, including text whose only structure is fenced code blocks.
func (f *Folder) markdownSections(text string) []string {
	src := []byte(text)
	doc := f.md.Parser().Parse(gmtext.NewReader(src), parser.WithContext(parser.NewContext()))

	structured := false
	var headingOffsets []int
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch n.Kind() {
		case ast.KindHeading:
			structured = true
			if lines := n.Lines(); lines.Len() > 0 {
				headingOffsets = append(headingOffsets, lines.At(0).Start)
			}
		case ast.KindFencedCodeBlock:
			structured = true
		}
	}
	if !structured || len(headingOffsets) == 0 {
		return nil
	}

	// Map byte offsets to line indices, then cut at heading lines.
	lines := strings.Split(text, "\n")
	lineStart := make([]int, len(lines))
	off := 0
	for i, l := range lines {
		lineStart[i] = off
		off += len(l) + 1
	}
	isBoundary := make(map[int]bool)
	for _, ho := range headingOffsets {
		// The heading segment starts after the "#" markers; find its line.
		for i := len(lineStart) - 1; i >= 0; i-- {
			if lineStart[i] <= ho {
				isBoundary[i] = true
				break
			}
		}
	}

	var sections []string
	var cur []string
	for i, l := range lines {
		if isBoundary[i] && len(cur) > 0 {
			sections = append(sections, strings.Join(cur, "\n"))
			cur = cur[:0]
		}
		cur = append(cur, l)
	}
	if len(cur) > 0 {
		sections = append(sections, strings.Join(cur, "\n"))
	}
	return sections
}

// foldUnits applies three-section preservation over units (lines or
// markdown sections): keep the first ⌈keep/3⌉ verbatim, sample the middle
// every ⌊mid/(keep/3)⌋-th unit, keep the tail verbatim.
func foldUnits(units []string, ratio float64) string {
	n := len(units)
	if n == 0 {
		return ""
	}
	keep := int(math.Ceil(ratio * float64(n)))
	if keep < 1 {
		keep = 1
	}
	if keep > n {
		keep = n
	}
	third := ceilDiv(keep, 3)

	var kept []string
	firstEnd := third
	if firstEnd > n {
		firstEnd = n
	}
	kept = append(kept, units[:firstEnd]...)

	midStart := firstEnd
	midEnd := n - third
	if midEnd < midStart {
		midEnd = midStart // mid_start >= mid_end: skip sampling
	}
	if midLen := midEnd - midStart; midLen > 0 && third > 0 {
		step := midLen / third
		if step < 1 {
			step = 1
		}
		for i := midStart; i < midEnd; i += step {
			kept = append(kept, units[i])
		}
	}

	lastN := keep - len(kept)
	if lastN > 0 {
		start := n - lastN
		if start < midEnd {
			start = midEnd
		}
		kept = append(kept, units[start:]...)
	}
	return strings.Join(kept, "\n")
}

// enforceShrink guarantees the strict byte-shrink invariant: when the fold
// emitted the entire input (or more), lines are trimmed from the middle of
// the result until it is smaller than the original.
func enforceShrink(out, in string) string {
	for len(out) >= len(in) && out != "" {
		lines := strings.Split(out, "\n")
		if len(lines) == 1 {
			// Single oversized line: cut it down directly.
			return lines[0][:len(in)-1]
		}
		mid := len(lines) / 2
		lines = append(lines[:mid], lines[mid+1:]...)
		out = strings.Join(lines, "\n")
	}
	return out
}

func ceilDiv(a, b int) int {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
