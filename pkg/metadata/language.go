package metadata

import "strings"

// legacyLanguages maps ISO-639-2/B three-letter codes (and a few common
// full names found in scraped libraries) to their shortest ISO-639-1
// equivalent. Codes with no two-letter equivalent pass through unchanged.
var legacyLanguages = map[string]string{
	"eng": "en",
	"rus": "ru",
	"ger": "de",
	"deu": "de",
	"fre": "fr",
	"fra": "fr",
	"spa": "es",
	"ita": "it",
	"por": "pt",
	"pol": "pl",
	"ukr": "uk",
	"dut": "nl",
	"nld": "nl",
	"jpn": "ja",
	"chi": "zh",
	"zho": "zh",
	"kor": "ko",
	"cze": "cs",
	"ces": "cs",
	"swe": "sv",
	"nor": "no",
	"dan": "da",
	"fin": "fi",
	"hun": "hu",
	"tur": "tr",
	"ara": "ar",
	"heb": "he",
	"gre": "el",
	"ell": "el",
	"lat": "la",
	"bul": "bg",
	"srp": "sr",
	"hrv": "hr",
	"slo": "sk",
	"slk": "sk",
	"rum": "ro",
	"ron": "ro",
	"lit": "lt",
	"lav": "lv",
	"est": "et",
	"bel": "be",

	"english": "en",
	"russian": "ru",
	"german":  "de",
	"french":  "fr",
	"spanish": "es",
	"italian": "it",
}

// NormalizeLanguage lowercases a language tag and converts legacy
// three-letter codes to their shortest equivalent. Already-short codes and
// unknown tags are returned lowercased and trimmed of any subtag
// ("en-US" becomes "en").
func NormalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return ""
	}
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if short, ok := legacyLanguages[lang]; ok {
		return short
	}
	return lang
}
