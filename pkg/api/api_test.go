package api

import "testing"

func TestRubyHTML(t *testing.T) {
	a := Analysis{Tokens: []Word{
		{POS: "名詞", WordTokens: []SubToken{{Surface: "今日", Reading: "きょう", IsKanji: true}}},
		{POS: "助詞", WordTokens: []SubToken{{Surface: "は", Reading: "は"}}},
		{POS: "動詞", WordTokens: []SubToken{
			{Surface: "晴", Reading: "は", IsKanji: true},
			{Surface: "れ", Reading: "れ"},
		}},
	}}

	want := "<ruby>今日<rt>きょう</rt></ruby>は<ruby>晴<rt>は</rt></ruby>れ"
	if got := a.RubyHTML(); got != want {
		t.Errorf("RubyHTML() = %q, want %q", got, want)
	}
}

func TestRubyHTMLEscapes(t *testing.T) {
	words := []Word{{WordTokens: []SubToken{{Surface: "<b>", Reading: "x", IsKanji: false}}}}
	if got := RubyHTML(words); got != "&lt;b&gt;" {
		t.Errorf("RubyHTML() = %q", got)
	}
}

func TestPresetSystemPrompt(t *testing.T) {
	p := Preset{
		Persona:        "Friendly barista",
		PromptTemplate: "You are a barista. Talk about {topic} in simple Japanese.",
		Topics:         []Topic{{Name: "coffee", StartingPrompt: "いらっしゃいませ！"}},
	}
	if got := p.SystemPrompt("coffee"); got != "You are a barista. Talk about coffee in simple Japanese." {
		t.Errorf("SystemPrompt() = %q", got)
	}
	if _, ok := p.Topic("tea"); ok {
		t.Error("Topic(tea) found, want missing")
	}
	if tp, ok := p.Topic("coffee"); !ok || tp.StartingPrompt != "いらっしゃいませ！" {
		t.Errorf("Topic(coffee) = %+v, %v", tp, ok)
	}
}

func TestExampleText(t *testing.T) {
	e := Example{Tokens: []Word{
		{WordTokens: []SubToken{{Surface: "猫", IsKanji: true}}},
		{WordTokens: []SubToken{{Surface: "が"}}},
	}}
	if got := e.Text(); got != "猫が" {
		t.Errorf("Text() = %q, want 猫が", got)
	}
}
