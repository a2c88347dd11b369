package language

import "strings"

// Auto is the hint that lets the recognizer detect the language itself.
const Auto = "auto"

type entry struct {
	code    string   // primary hint code passed to workers
	alt     []string // ISO 639-2/3 and other accepted spellings
	display string   // human-readable name
	words   []string // full word forms (e.g. "english")
}

// Codes the speech backends accept. Cantonese has no ISO 639-1 code; its
// 639-3 code "yue" is used directly, which is also what the workers expect.
var languages = []entry{
	{"zh", []string{"zho", "chi", "cmn"}, "Chinese", []string{"chinese", "mandarin"}},
	{"en", []string{"eng"}, "English", []string{"english"}},
	{"ja", []string{"jpn"}, "Japanese", []string{"japanese"}},
	{"ko", []string{"kor"}, "Korean", []string{"korean"}},
	{"yue", nil, "Cantonese", []string{"cantonese"}},
	{"fr", []string{"fra", "fre"}, "French", []string{"french"}},
	{"de", []string{"deu", "ger"}, "German", []string{"german"}},
	{"es", []string{"spa"}, "Spanish", []string{"spanish"}},
	{"ru", []string{"rus"}, "Russian", []string{"russian"}},
}

// Index maps built at init time.
var (
	byCode map[string]*entry
	byWord map[string]*entry
)

func init() {
	byCode = make(map[string]*entry, len(languages)*2)
	byWord = make(map[string]*entry, len(languages))
	for i := range languages {
		e := &languages[i]
		byCode[e.code] = e
		for _, a := range e.alt {
			byCode[a] = e
		}
		for _, w := range e.words {
			byWord[w] = e
		}
	}
}

func lookup(code string) *entry {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return nil
	}
	if e, ok := byCode[code]; ok {
		return e
	}
	if e, ok := byWord[code]; ok {
		return e
	}
	return nil
}

// Normalize converts any recognized code, alternate spelling, or full word
// into the hint code workers expect. "auto" and the empty string both
// normalize to Auto. Returns empty string for unrecognized input.
func Normalize(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" || code == Auto {
		return Auto
	}
	if e := lookup(code); e != nil {
		return e.code
	}
	return ""
}

// SupportedBy reports whether a normalized hint is usable with a backend
// advertising the given language list.
func SupportedBy(hint string, supported []string) bool {
	for _, s := range supported {
		if s == hint {
			return true
		}
	}
	return false
}

// DisplayName returns a human-readable name for any recognized hint.
// Returns "Auto-detect" for Auto and the uppercased code for unrecognized
// input.
func DisplayName(code string) string {
	normalized := Normalize(code)
	if normalized == Auto {
		return "Auto-detect"
	}
	if e := lookup(normalized); e != nil {
		return e.display
	}
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizeList deduplicates and normalizes a list of hints, dropping
// anything unrecognized.
func NormalizeList(hints []string) []string {
	if len(hints) == 0 {
		return nil
	}
	normalized := make([]string, 0, len(hints))
	seen := make(map[string]struct{}, len(hints))
	for _, h := range hints {
		mapped := Normalize(h)
		if mapped == "" {
			continue
		}
		if _, ok := seen[mapped]; ok {
			continue
		}
		seen[mapped] = struct{}{}
		normalized = append(normalized, mapped)
	}
	return normalized
}
