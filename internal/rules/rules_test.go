package rules

import "testing"

func TestApplyEmptyListIsIdentity(t *testing.T) {
	for _, in := range []string{"", "hello", "a.b*c"} {
		if got := Apply(nil, in); got != in {
			t.Fatalf("expected %q unchanged, got %q", in, got)
		}
	}
}

func TestApplyIsDeterministic(t *testing.T) {
	list := []Rule{{Key: "a", Value: "b"}, {Key: "b+", Value: "c", UseRegex: true}}
	first := Apply(list, "aaa bab")
	for i := 0; i < 10; i++ {
		if got := Apply(list, "aaa bab"); got != first {
			t.Fatalf("run %d: %q != %q", i, got, first)
		}
	}
}

func TestRulesChainInOrder(t *testing.T) {
	list := []Rule{
		{Key: "cat", Value: "dog"},
		{Key: "dog", Value: "wolf"},
	}
	if got := Apply(list, "cat and dog"); got != "wolf and wolf" {
		t.Fatalf("expected chained rewrite, got %q", got)
	}

	reversed := []Rule{list[1], list[0]}
	if got := Apply(reversed, "cat and dog"); got != "dog and wolf" {
		t.Fatalf("expected order to matter, got %q", got)
	}
}

func TestLiteralMatching(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
		in   string
		want string
	}{
		{"case insensitive by default", Rule{Key: "GG", Value: "good game"}, "gg and Gg", "good game and good game"},
		{"case sensitive", Rule{Key: "GG", Value: "good game", MatchCase: true}, "gg GG", "gg good game"},
		{"metacharacters are literal", Rule{Key: "a.b", Value: "x"}, "a.b acb", "x acb"},
		{"dollar in value is literal", Rule{Key: "price", Value: "$1"}, "price", "$1"},
		{"whole word", Rule{Key: "hi", Value: "hello", WholeWord: true}, "hi this hi", "hello this hello"},
		{"all occurrences", Rule{Key: "6", Value: "six"}, "666", "sixsixsix"},
		{"whole word cjk alone", Rule{Key: "哈哈", Value: "笑", WholeWord: true}, "哈哈", "笑"},
		{"whole word cjk between spaces", Rule{Key: "哈哈", Value: "笑", WholeWord: true}, "你好 哈哈 再见", "你好 笑 再见"},
		{"whole word cjk inside a word", Rule{Key: "哈哈", Value: "笑", WholeWord: true}, "你好哈哈", "你好哈哈"},
		{"whole word adjacent matches", Rule{Key: "哈哈", Value: "笑", WholeWord: true}, "哈哈 哈哈", "笑 笑"},
		{"whole word ascii before cjk", Rule{Key: "gg", Value: "X", WholeWord: true}, "gg好 gg!", "gg好 X!"},
		{"whole word punctuation", Rule{Key: "gg", Value: "X", WholeWord: true}, "(gg),gg_", "(X),gg_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Apply([]Rule{tt.rule}, tt.in); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestRegexRules(t *testing.T) {
	list := []Rule{{Key: `(\d+)x`, Value: "${1} times", UseRegex: true}}
	if got := Apply(list, "3x and 10X"); got != "3 times and 10 times" {
		t.Fatalf("unexpected regex output %q", got)
	}

	whole := []Rule{{Key: `o+`, Value: "0", UseRegex: true, WholeWord: true, MatchCase: true}}
	if got := Apply(whole, "oo boo"); got != "0 boo" {
		t.Fatalf("unexpected whole word regex output %q", got)
	}

	expand := []Rule{{Key: `(\p{Han}+)君`, Value: "${1}先生", UseRegex: true, WholeWord: true}}
	if got := Apply(expand, "你好 张君 和张君们"); got != "你好 张先生 和张君们" {
		t.Fatalf("unexpected whole word expansion %q", got)
	}
}

func TestInvalidPatternSkipped(t *testing.T) {
	list := []Rule{
		{Key: "(unclosed", Value: "x", UseRegex: true},
		{Key: "", Value: "ignored"},
		{Key: "ok", Value: "fine"},
	}
	set := Compile(list, nil)
	if set.Len() != 1 {
		t.Fatalf("expected only the valid rule, got %d", set.Len())
	}
	if got := set.Apply("(unclosed ok"); got != "(unclosed fine" {
		t.Fatalf("unexpected output %q", got)
	}
	if err := Validate(list); err == nil {
		t.Fatalf("expected validate to report invalid pattern")
	}
}

func TestNilSetIsIdentity(t *testing.T) {
	var s *Set
	if s.Apply("text") != "text" || s.Len() != 0 {
		t.Fatalf("nil set should not rewrite")
	}
}
