package language

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		// Primary codes pass through
		{"zh", "zh"},
		{"EN", "en"},
		{"yue", "yue"},
		// Alternates convert
		{"zho", "zh"},
		{"chi", "zh"},
		{"cmn", "zh"},
		{"eng", "en"},
		{"jpn", "ja"},
		{"kor", "ko"},
		{"fre", "fr"},
		{"ger", "de"},
		// Full words convert
		{"chinese", "zh"},
		{"Mandarin", "zh"},
		{"cantonese", "yue"},
		{"Japanese", "ja"},
		// Auto-detect forms
		{"", "auto"},
		{"auto", "auto"},
		{"AUTO", "auto"},
		// Whitespace tolerated
		{"  ko  ", "ko"},
		// Unrecognized
		{"xx", ""},
		{"klingon", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.input); got != tt.expected {
			t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestSupportedBy(t *testing.T) {
	supported := []string{"auto", "zh", "en", "ja", "ko", "yue"}
	if !SupportedBy("yue", supported) {
		t.Error("yue should be supported")
	}
	if SupportedBy("ru", supported) {
		t.Error("ru should not be supported")
	}
	if !SupportedBy("auto", supported) {
		t.Error("auto should be supported")
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"zh", "Chinese"},
		{"zho", "Chinese"},
		{"yue", "Cantonese"},
		{"", "Auto-detect"},
		{"auto", "Auto-detect"},
		{"xx", "XX"},
	}
	for _, tt := range tests {
		if got := DisplayName(tt.input); got != tt.expected {
			t.Errorf("DisplayName(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestNormalizeList(t *testing.T) {
	got := NormalizeList([]string{"chinese", "zh", "eng", "klingon", "JA", ""})
	want := []string{"zh", "en", "ja", "auto"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeList = %v, want %v", got, want)
	}
	if NormalizeList(nil) != nil {
		t.Error("nil input should return nil")
	}
}
