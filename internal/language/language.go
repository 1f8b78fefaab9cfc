// Package language lists the languages understood by the Whisper tokenizer.
package language

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknown is returned by Parse when the code does not match any supported language.
var ErrUnknown = errors.New("language: unknown code")

// Language identifies one supported language by its ISO-639-1 style code.
type Language struct {
	Code string
	Name string
}

// English is the default language and the only one accepted by English-only models.
var English = Language{Code: "en", Name: "English"}

var supported = []Language{
	English,
	{"zh", "Chinese"},
	{"de", "German"},
	{"es", "Spanish"},
	{"ru", "Russian"},
	{"ko", "Korean"},
	{"fr", "French"},
	{"ja", "Japanese"},
	{"pt", "Portuguese"},
	{"tr", "Turkish"},
	{"pl", "Polish"},
	{"ca", "Catalan"},
	{"nl", "Dutch"},
	{"ar", "Arabic"},
	{"sv", "Swedish"},
	{"it", "Italian"},
	{"id", "Indonesian"},
	{"hi", "Hindi"},
	{"fi", "Finnish"},
	{"vi", "Vietnamese"},
	{"he", "Hebrew"},
	{"uk", "Ukrainian"},
	{"el", "Greek"},
	{"ms", "Malay"},
	{"cs", "Czech"},
	{"ro", "Romanian"},
	{"da", "Danish"},
	{"hu", "Hungarian"},
	{"ta", "Tamil"},
	{"no", "Norwegian"},
	{"th", "Thai"},
	{"ur", "Urdu"},
	{"hr", "Croatian"},
	{"bg", "Bulgarian"},
	{"lt", "Lithuanian"},
	{"la", "Latin"},
	{"mi", "Maori"},
	{"ml", "Malayalam"},
	{"cy", "Welsh"},
	{"sk", "Slovak"},
	{"te", "Telugu"},
	{"fa", "Persian"},
	{"lv", "Latvian"},
	{"bn", "Bengali"},
	{"sr", "Serbian"},
	{"az", "Azerbaijani"},
	{"sl", "Slovenian"},
	{"kn", "Kannada"},
	{"et", "Estonian"},
	{"mk", "Macedonian"},
	{"br", "Breton"},
	{"eu", "Basque"},
	{"is", "Icelandic"},
	{"hy", "Armenian"},
	{"ne", "Nepali"},
	{"mn", "Mongolian"},
	{"bs", "Bosnian"},
	{"kk", "Kazakh"},
	{"sq", "Albanian"},
	{"sw", "Swahili"},
	{"gl", "Galician"},
	{"mr", "Marathi"},
	{"pa", "Punjabi"},
	{"si", "Sinhala"},
	{"km", "Khmer"},
	{"sn", "Shona"},
	{"yo", "Yoruba"},
	{"so", "Somali"},
	{"af", "Afrikaans"},
	{"oc", "Occitan"},
	{"ka", "Georgian"},
	{"be", "Belarusian"},
	{"tg", "Tajik"},
	{"sd", "Sindhi"},
	{"gu", "Gujarati"},
	{"am", "Amharic"},
	{"yi", "Yiddish"},
	{"lo", "Lao"},
	{"uz", "Uzbek"},
	{"fo", "Faroese"},
	{"ht", "HaitianCreole"},
	{"ps", "Pashto"},
	{"tk", "Turkmen"},
	{"nn", "Nynorsk"},
	{"mt", "Maltese"},
	{"sa", "Sanskrit"},
	{"lb", "Luxembourgish"},
	{"my", "Myanmar"},
	{"bo", "Tibetan"},
	{"tl", "Tagalog"},
	{"mg", "Malagasy"},
	{"as", "Assamese"},
	{"tt", "Tatar"},
	{"haw", "Hawaiian"},
	{"ln", "Lingala"},
	{"ha", "Hausa"},
	{"ba", "Bashkir"},
	{"jw", "Javanese"},
	{"su", "Sundanese"},
}

var byCode = func() map[string]Language {
	m := make(map[string]Language, len(supported))
	for _, l := range supported {
		m[l.Code] = l
	}
	return m
}()

// All returns every supported language in tokenizer order.
func All() []Language {
	out := make([]Language, len(supported))
	copy(out, supported)
	return out
}

// Parse resolves a language code. Matching ignores case and surrounding whitespace.
func Parse(code string) (Language, error) {
	normalised := strings.ToLower(strings.TrimSpace(code))
	if l, ok := byCode[normalised]; ok {
		return l, nil
	}
	return Language{}, fmt.Errorf("%w: %q", ErrUnknown, code)
}

// IsEnglish reports whether l is English.
func (l Language) IsEnglish() bool {
	return l.Code == English.Code
}

// Token returns the tokenizer control token selecting this language, e.g. "<|en|>".
func (l Language) Token() string {
	return "<|" + l.Code + "|>"
}

// String renders the language the way the catalogue listings print it.
func (l Language) String() string {
	return l.Name + " - " + l.Code
}
