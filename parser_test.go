package rlm

import "testing"

func TestParseCodeBlocksMixed(t *testing.T) {
	input := "A\n```py\nprint(1)\n```\nB\n```unknown\nx\n```\nC\n```rust\nfn main(){}\n```"
	blocks := ParseCodeBlocks(input)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d: %+v", len(blocks), blocks)
	}
	if blocks[0].Language != LangPython || blocks[0].Source != "print(1)" {
		t.Errorf("blocks[0] = %+v, want python/print(1)", blocks[0])
	}
	if blocks[1].Language != LangRust || blocks[1].Source != "fn main(){}" {
		t.Errorf("blocks[1] = %+v, want rust/fn main(){}", blocks[1])
	}
}

func TestParseCodeBlocksAliases(t *testing.T) {
	tests := []struct {
		tag  string
		want Language
	}{
		{"py", LangPython},
		{"python", LangPython},
		{"js", LangJavaScript},
		{"rs", LangRust},
		{"sh", LangBash},
		{"Bash", LangBash},
		{"JAVA", LangJava},
	}
	for _, tt := range tests {
		blocks := ParseCodeBlocks("```" + tt.tag + "\ncode\n```")
		if len(blocks) != 1 {
			t.Fatalf("tag %q: expected 1 block, got %d", tt.tag, len(blocks))
		}
		if blocks[0].Language != tt.want {
			t.Errorf("tag %q: language = %q, want %q", tt.tag, blocks[0].Language, tt.want)
		}
	}
}

func TestParseCodeBlocksTildeFence(t *testing.T) {
	blocks := ParseCodeBlocks("~~~python\nx = 1\n~~~")
	if len(blocks) != 1 || blocks[0].Source != "x = 1" {
		t.Fatalf("tilde fence not extracted: %+v", blocks)
	}
}

func TestParseCodeBlocksMissingTagDiscarded(t *testing.T) {
	blocks := ParseCodeBlocks("```\nplain\n```")
	if len(blocks) != 0 {
		t.Fatalf("untagged block should be discarded, got %+v", blocks)
	}
}

func TestParseCodeBlocksUnterminatedFence(t *testing.T) {
	blocks := ParseCodeBlocks("text\n```python\nprint(1)")
	if len(blocks) != 0 {
		t.Fatalf("unterminated fence should yield nothing, got %+v", blocks)
	}
}

func TestParseCodeBlocksFirstClosingFenceWins(t *testing.T) {
	// No nested-fence recovery: the inner ``` terminates the outer block.
	input := "```python\nouter\n```\ninner\n```"
	blocks := ParseCodeBlocks(input)
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if blocks[0].Source != "outer" {
		t.Errorf("Source = %q, want %q", blocks[0].Source, "outer")
	}
}

func TestParseCodeBlocksMultiline(t *testing.T) {
	blocks := ParseCodeBlocks("```bash\necho a\necho b\n```")
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if blocks[0].Source != "echo a\necho b" {
		t.Errorf("Source = %q", blocks[0].Source)
	}
}

func TestParseCodeBlocksEmptyInput(t *testing.T) {
	if blocks := ParseCodeBlocks(""); len(blocks) != 0 {
		t.Fatalf("empty input should yield nothing, got %+v", blocks)
	}
}

func TestParseCodeBlocksPreservesOrder(t *testing.T) {
	input := "```py\n1\n```\nmid\n```sh\n2\n```\n```js\n3\n```"
	blocks := ParseCodeBlocks(input)
	want := []Language{LangPython, LangBash, LangJavaScript}
	if len(blocks) != len(want) {
		t.Fatalf("expected %d blocks, got %d", len(want), len(blocks))
	}
	for i, lang := range want {
		if blocks[i].Language != lang {
			t.Errorf("blocks[%d].Language = %q, want %q", i, blocks[i].Language, lang)
		}
	}
}

func TestNormalizeLanguageUnsupported(t *testing.T) {
	for _, tag := range []string{"", "cobol", "llm", "c++"} {
		if _, ok := NormalizeLanguage(tag); ok {
			t.Errorf("tag %q should not normalize to an executable language", tag)
		}
	}
}
