package rlm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func numberedLines(n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %03d", i)
	}
	return strings.Join(lines, "\n")
}

func TestFoldStrictByteShrink(t *testing.T) {
	f := NewFolder()
	inputs := []string{
		"x",
		"one line only",
		"a\nb",
		numberedLines(10),
		numberedLines(100),
		numberedLines(1000),
		strings.Repeat("word ", 5000),
	}
	for _, in := range inputs {
		out, stats := f.Fold(in)
		if len(out) >= len(in) {
			t.Errorf("fold did not shrink: %d -> %d bytes (input %q...)", len(in), len(out), in[:min(20, len(in))])
		}
		if stats.OriginalLen != len(in) || stats.FoldedLen != len(out) {
			t.Errorf("stats mismatch: %+v vs %d/%d", stats, len(in), len(out))
		}
	}
}

func TestFoldEmptyInput(t *testing.T) {
	f := NewFolder()
	out, stats := f.Fold("")
	if out != "" {
		t.Fatalf("Fold(\"\") = %q", out)
	}
	if stats.OriginalLen != 0 || stats.FoldedLen != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestFoldKeepsHeadAndTail(t *testing.T) {
	in := numberedLines(100)
	f := NewFolder()
	out, _ := f.Fold(in)

	if !strings.HasPrefix(out, "line 000") {
		t.Error("first line not preserved")
	}
	if !strings.HasSuffix(out, "line 099") {
		t.Error("last line not preserved")
	}
	// Roughly the target ratio of lines survive.
	got := len(strings.Split(out, "\n"))
	if got < 55 || got > 75 {
		t.Errorf("kept %d/100 lines, want ≈70", got)
	}
}

func TestFoldRatioOption(t *testing.T) {
	in := numberedLines(100)
	half, _ := NewFolder(FoldRatio(0.5)).Fold(in)
	deflt, _ := NewFolder().Fold(in)
	if len(half) >= len(deflt) {
		t.Errorf("ratio 0.5 (%d bytes) should fold harder than 0.7 (%d bytes)", len(half), len(deflt))
	}
}

func TestFoldMarkdownKeepsHeadings(t *testing.T) {
	var b strings.Builder
	for s := 0; s < 12; s++ {
		fmt.Fprintf(&b, "# Section %d\n", s)
		for l := 0; l < 8; l++ {
			fmt.Fprintf(&b, "body %d-%d\n", s, l)
		}
	}
	in := strings.TrimSuffix(b.String(), "\n")

	f := NewFolder()
	out, _ := f.Fold(in)
	if len(out) >= len(in) {
		t.Fatalf("markdown fold did not shrink: %d -> %d", len(in), len(out))
	}
	// Section-unit folding keeps surviving headings attached to their body.
	if !strings.Contains(out, "# Section 0\nbody 0-0") {
		t.Error("first section separated from its body")
	}
	if !strings.Contains(out, "# Section 11\nbody 11-0") {
		t.Error("last section separated from its body")
	}
}

func TestFoldPlainTextUsesLineHeuristic(t *testing.T) {
	// No markdown structure: plain lines sampled individually.
	in := numberedLines(30)
	out, _ := NewFolder().Fold(in)
	if len(out) >= len(in) {
		t.Fatal("plain fold did not shrink")
	}
}

func TestFoldContextWithoutProvider(t *testing.T) {
	in := numberedLines(50)
	out, _ := NewFolder().FoldContext(context.Background(), in)
	if len(out) >= len(in) {
		t.Fatal("FoldContext without provider must use heuristic")
	}
}

// summarizeProvider returns a canned summary.
type summarizeProvider struct {
	content string
	err     error
}

func (p *summarizeProvider) Name() string { return "summarizer" }
func (p *summarizeProvider) Chat(_ context.Context, _ ChatRequest) (ChatResponse, error) {
	return ChatResponse{Content: p.content}, p.err
}

func TestFoldContextUsesLLM(t *testing.T) {
	in := numberedLines(50)
	f := NewFolder(FoldProvider(&summarizeProvider{content: "summary"}, nil, nil))
	out, stats := f.FoldContext(context.Background(), in)
	if out != "summary" {
		t.Fatalf("FoldContext = %q, want LLM summary", out)
	}
	if stats.FoldedLen != len("summary") {
		t.Errorf("stats = %+v", stats)
	}
}

func TestFoldContextFallsBackOnLLMError(t *testing.T) {
	in := numberedLines(50)
	f := NewFolder(FoldProvider(&summarizeProvider{err: errors.New("down")}, nil, nil))
	out, _ := f.FoldContext(context.Background(), in)
	if out == "" || len(out) >= len(in) {
		t.Fatalf("fallback fold missing or unshrunk: %d bytes", len(out))
	}
}

func TestFoldContextFallsBackOnNonShrinkingLLM(t *testing.T) {
	in := "a\nb\nc"
	f := NewFolder(FoldProvider(&summarizeProvider{content: strings.Repeat("long ", 50)}, nil, nil))
	out, _ := f.FoldContext(context.Background(), in)
	if len(out) >= len(in) {
		t.Fatalf("non-shrinking LLM output accepted: %q", out)
	}
}
