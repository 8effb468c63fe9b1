package classifier

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	severityPattern   = regexp.MustCompile(`(?i)severity(?:\s+(?:score|level|rating))?\s*(?:is|of)?\s*[:=\-]?\s*\**\s*(\d{1,3})`)
	specialistPattern = regexp.MustCompile(`(?i)specialist\s+recommendation\s*[:\-]\s*\**\s*([^\n\r.;*]+)`)
	conditionPattern  = regexp.MustCompile(`(?i)(?:^|\n)\s*[*#\-\s]*(?:condition|diagnosis)\s*[:\-]\s*\**\s*([^\n\r*]+)`)
)

const maxConditionLen = 200

type keywordRule struct {
	specialty string
	keywords  []string
}

// keywordTable is consulted in order; the first rule with a matching keyword
// wins.
var keywordTable = []keywordRule{
	{Cardiology, []string{"cardiac", "cardio", "heart", "chest pain", "arrhythmia", "palpitation", "myocardial", "angina", "hypertension"}},
	{Neurology, []string{"neuro", "neural", "head", "seizure", "epilep", "migraine", "stroke", "brain", "concussion", "numbness"}},
	{Orthopedics, []string{"bone", "joint", "fracture", "orthop", "spine", "ligament", "sprain", "arthritis", "dislocation"}},
	{Pediatrics, []string{"pediatric", "paediatric", "child", "infant", "newborn", "toddler"}},
	{Dermatology, []string{"skin", "derma", "rash", "eczema", "psoriasis", "acne", "lesion"}},
	{Ophthalmology, []string{"eye", "ophthalm", "vision", "retina", "cataract", "glaucoma"}},
	{Psychiatry, []string{"mental", "psychiat", "depress", "anxiety", "panic", "bipolar", "schizo", "suicid"}},
	{EmergencyMedicine, []string{"urgent", "critical", "emergency", "life-threatening", "unconscious", "trauma", "severe bleeding"}},
}

// ParseNarrative turns classifier free text into a Result. It never fails:
// a missing severity reads as 0, a missing specialty marker falls back to the
// keyword table, and an empty narrative yields no specialty.
func ParseNarrative(text string) Result {
	narrative := strings.TrimSpace(cleanText(text))
	res := Result{
		Narrative: narrative,
		Severity:  ExtractSeverity(narrative),
		Condition: ExtractCondition(narrative),
	}
	if narrative != "" {
		s := RecommendSpecialty(narrative)
		res.RecommendedSpecialty = &s
	}
	return res
}

// ExtractSeverity returns the first severity marker clamped to 0..10, or 0.
func ExtractSeverity(text string) int {
	m := severityPattern.FindStringSubmatch(text)
	if m == nil {
		return MinSeverity
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return MinSeverity
	}
	return clampSeverity(n)
}

func clampSeverity(n int) int {
	if n < MinSeverity {
		return MinSeverity
	}
	if n > MaxSeverity {
		return MaxSeverity
	}
	return n
}

// RecommendSpecialty prefers an explicit "specialist recommendation: X"
// marker and otherwise applies the keyword table, defaulting to General
// Medicine.
func RecommendSpecialty(text string) string {
	if m := specialistPattern.FindStringSubmatch(text); m != nil {
		if s := normalizeSpecialty(m[1]); s != "" {
			return s
		}
	}

	lower := strings.ToLower(text)
	for _, rule := range keywordTable {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.specialty
			}
		}
	}
	return GeneralMedicine
}

var specialtyStems = []struct {
	stem      string
	specialty string
}{
	{"cardio", Cardiology},
	{"neuro", Neurology},
	{"ortho", Orthopedics},
	{"pediatr", Pediatrics},
	{"paediatr", Pediatrics},
	{"dermat", Dermatology},
	{"ophthalm", Ophthalmology},
	{"psychiatr", Psychiatry},
	{"emergency", EmergencyMedicine},
	{"general", GeneralMedicine},
}

// normalizeSpecialty maps a free-text recommendation such as "a cardiologist"
// or "see Neurology" onto the vocabulary by looking for a known stem at the
// start of any word. It returns "" when nothing in the vocabulary matches.
func normalizeSpecialty(raw string) string {
	words := strings.FieldsFunc(strings.ToLower(raw), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	})
	for _, w := range words {
		for _, s := range specialtyStems {
			if strings.HasPrefix(w, s.stem) {
				return s.specialty
			}
		}
	}
	return ""
}

// ExtractCondition reads a "Condition:" or "Diagnosis:" line, falling back to
// the narrative's first line.
func ExtractCondition(text string) string {
	var condition string
	if m := conditionPattern.FindStringSubmatch(text); m != nil {
		condition = m[1]
	} else if first, _, _ := strings.Cut(text, "\n"); first != "" {
		condition = first
	}
	condition = strings.Trim(strings.TrimSpace(cleanText(condition)), "*#-: ")
	return strings.TrimSpace(truncateRunes(condition, maxConditionLen))
}

// cleanText drops invalid UTF-8 and NUL bytes, neither of which Postgres
// accepts in text columns.
func cleanText(s string) string {
	return strings.ReplaceAll(strings.ToValidUTF8(s, ""), "\x00", "")
}

// truncateRunes cuts s to at most n bytes without splitting a character.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
