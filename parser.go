package rlm

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Language identifies a supported code-block runtime.
type Language string

const (
	LangPython     Language = "python"
	LangRust       Language = "rust"
	LangJava       Language = "java"
	LangBash       Language = "bash"
	LangJavaScript Language = "javascript"
	// LangLLM marks a device as an inference endpoint rather than a code
	// runtime. It never appears in parsed code blocks.
	LangLLM Language = "llm"
)

// languageAliases maps shorthand fence tags to canonical language names.
var languageAliases = map[string]Language{
	"py": LangPython,
	"js": LangJavaScript,
	"rs": LangRust,
	"sh": LangBash,
}

// executableLanguages is the set of languages the engine can dispatch to a
// REPL. LangLLM is deliberately absent.
var executableLanguages = map[Language]bool{
	LangPython:     true,
	LangRust:       true,
	LangJava:       true,
	LangBash:       true,
	LangJavaScript: true,
}

// NormalizeLanguage lowercases a fence tag and resolves aliases. The second
// return is false when the tag names no executable runtime.
func NormalizeLanguage(tag string) (Language, bool) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, " \t"); i >= 0 {
		tag = tag[:i]
	}
	if l, ok := languageAliases[tag]; ok {
		return l, true
	}
	l := Language(tag)
	return l, executableLanguages[l]
}

// CodeBlock is one fenced code block extracted from free text.
type CodeBlock struct {
	Language Language
	Source   string
}

// ParseCodeBlocks extracts fenced code blocks from text, in textual order.
// Triple-backtick and triple-tilde fences are recognized; the language tag on
// the opening line is normalized via NormalizeLanguage and blocks with an
// unsupported or missing tag are discarded. The first matching closing fence
// terminates a block; there is no nested-fence recovery.
//
// Input is normalized to NFC before scanning so that visually-identical
// fences written with combining sequences still match. Pure function, no
// I/O, O(n) over input length.
func ParseCodeBlocks(text string) []CodeBlock {
	text = norm.NFC.String(text)
	lines := strings.Split(text, "\n")

	var blocks []CodeBlock
	for i := 0; i < len(lines); i++ {
		fence, tag, ok := fenceOpen(lines[i])
		if !ok {
			continue
		}
		lang, supported := NormalizeLanguage(tag)

		var body []string
		closed := false
		j := i + 1
		for ; j < len(lines); j++ {
			if fenceClose(lines[j], fence) {
				closed = true
				break
			}
			body = append(body, lines[j])
		}
		if !closed {
			// Unterminated fence: nothing to extract, and every remaining
			// line belongs to the open block.
			break
		}
		i = j
		if !supported {
			continue
		}
		blocks = append(blocks, CodeBlock{Language: lang, Source: strings.Join(body, "\n")})
	}
	return blocks
}

// fenceOpen reports whether line opens a fence, returning the fence rune and
// the raw language tag.
func fenceOpen(line string) (byte, string, bool) {
	t := strings.TrimLeft(line, " \t")
	switch {
	case strings.HasPrefix(t, "```"):
		return '`', strings.TrimSpace(t[3:]), true
	case strings.HasPrefix(t, "~~~"):
		return '~', strings.TrimSpace(t[3:]), true
	}
	return 0, "", false
}

// fenceClose reports whether line closes a fence opened with the given rune.
func fenceClose(line string, fence byte) bool {
	t := strings.TrimSpace(line)
	return t == strings.Repeat(string(fence), 3)
}
