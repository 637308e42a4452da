// Package mcq recovers validated multiple-choice questions from raw,
// unreliable generation-backend output.
package mcq

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/studyprep/mcqgen/internal/model"
)

// Candidate is a parsed question before validation.
type Candidate struct {
	Question      string
	Options       [4]string
	CorrectSource string // raw correct-answer value: option text or a bare letter
	Explanation   string
}

var (
	questionMarkerRe = regexp.MustCompile(`(?mi)^\s*\**\s*question\s+\d+\s*[:.)]`)
	optionLineRe     = regexp.MustCompile(`^\s*\(?([A-Da-d])[).:\]]\s*(.+)$`)
	correctLineRe    = regexp.MustCompile(`(?i)correct\s+answer`)
	explanationRe    = regexp.MustCompile(`(?i)explanation`)
	bareLetterRe     = regexp.MustCompile(`^\(?([A-Da-d])[).:\]]?$`)
	letterPrefixRe   = regexp.MustCompile(`^\(?([A-Da-d])[).:\]]\s+(.+)$`)
)

// Parse extracts candidate questions from raw backend output. It first tries
// to find an embedded JSON payload; when that fails or yields nothing it
// falls back to scanning "Question N:" delimited free text.
func Parse(raw string) []Candidate {
	if candidates := parseStructured(raw); len(candidates) > 0 {
		return candidates
	}
	return parseFreeText(raw)
}

// Validate checks that a candidate has four non-empty options and a correct
// answer that, after trimming only, equals one option exactly. Matching is
// ordinal and case-sensitive on purpose.
func Validate(c Candidate) (model.MCQRecord, bool) {
	opts := make([]string, 4)
	for i, o := range c.Options {
		opts[i] = strings.TrimSpace(o)
		if opts[i] == "" {
			return model.MCQRecord{}, false
		}
	}

	correct, ok := resolveCorrect(c.CorrectSource, opts)
	if !ok {
		return model.MCQRecord{}, false
	}

	question := strings.TrimSpace(c.Question)
	if question == "" {
		return model.MCQRecord{}, false
	}

	return model.MCQRecord{
		QuestionText:  question,
		OptionA:       opts[0],
		OptionB:       opts[1],
		OptionC:       opts[2],
		OptionD:       opts[3],
		CorrectOption: correct,
		Explanation:   strings.TrimSpace(c.Explanation),
	}, true
}

// ParseBatch parses and validates one batch response, stamping batch id and
// in-batch sequence on the accepted records. Invalid candidates are dropped.
func ParseBatch(raw string, batchID int) []model.MCQRecord {
	candidates := Parse(raw)
	records := make([]model.MCQRecord, 0, len(candidates))
	for _, c := range candidates {
		rec, ok := Validate(c)
		if !ok {
			slog.Debug("dropped invalid candidate", "batch", batchID, "question", c.Question)
			continue
		}
		rec.BatchID = batchID
		rec.SequenceInBatch = len(records)
		records = append(records, rec)
	}
	return records
}

// resolveCorrect maps the raw correct-answer value to the option it names.
// Accepted forms: the option text verbatim (trim-only), a bare letter A-D,
// or a letter-labeled copy of the option text ("B) Paris").
func resolveCorrect(source string, opts []string) (string, bool) {
	t := strings.TrimSpace(source)
	if t == "" {
		return "", false
	}
	for _, o := range opts {
		if t == o {
			return o, true
		}
	}
	if m := bareLetterRe.FindStringSubmatch(t); m != nil {
		idx := int(strings.ToUpper(m[1])[0] - 'A')
		return opts[idx], true
	}
	if m := letterPrefixRe.FindStringSubmatch(t); m != nil {
		rest := strings.TrimSpace(m[2])
		for _, o := range opts {
			if rest == o {
				return o, true
			}
		}
	}
	return "", false
}

// parseStructured locates a JSON array or object spanning the first bracket
// to the last matching one and decodes candidate question objects from it.
func parseStructured(raw string) []Candidate {
	if payload := extractJSONSpan(raw, '[', ']'); payload != "" {
		var items []map[string]any
		if err := json.Unmarshal([]byte(payload), &items); err == nil {
			return candidatesFromObjects(items)
		}
	}
	if payload := extractJSONSpan(raw, '{', '}'); payload != "" {
		var obj map[string]any
		if err := json.Unmarshal([]byte(payload), &obj); err == nil {
			if wrapped, ok := obj["questions"].([]any); ok {
				var items []map[string]any
				for _, w := range wrapped {
					if m, ok := w.(map[string]any); ok {
						items = append(items, m)
					}
				}
				return candidatesFromObjects(items)
			}
			return candidatesFromObjects([]map[string]any{obj})
		}
	}
	return nil
}

func extractJSONSpan(raw string, opening, closing byte) string {
	start := strings.IndexByte(raw, opening)
	end := strings.LastIndexByte(raw, closing)
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

func candidatesFromObjects(items []map[string]any) []Candidate {
	var out []Candidate
	for _, item := range items {
		c, ok := candidateFromObject(item)
		if !ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

func candidateFromObject(item map[string]any) (Candidate, bool) {
	c := Candidate{
		Question:      stringField(item, "question", "question_text", "text"),
		CorrectSource: stringField(item, "correct_answer", "correct_option", "answer"),
		Explanation:   stringField(item, "explanation"),
	}
	if c.Question == "" {
		return Candidate{}, false
	}

	if opts, ok := item["options"]; ok {
		switch v := opts.(type) {
		case []any:
			if len(v) != 4 {
				return Candidate{}, false
			}
			for i, o := range v {
				s, ok := o.(string)
				if !ok {
					return Candidate{}, false
				}
				c.Options[i] = s
			}
			return c, true
		case map[string]any:
			for i, label := range []string{"A", "B", "C", "D"} {
				c.Options[i] = stringField(v, label, strings.ToLower(label))
			}
			return c, true
		default:
			return Candidate{}, false
		}
	}

	for i, name := range []string{"option_a", "option_b", "option_c", "option_d"} {
		c.Options[i] = stringField(item, name)
	}
	return c, true
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// parseFreeText splits the text on "Question N:" markers and extracts one
// candidate per block: first non-empty line as the question, A)-D) labeled
// lines as options, plus correct-answer and explanation lines.
func parseFreeText(raw string) []Candidate {
	markers := questionMarkerRe.FindAllStringIndex(raw, -1)
	if len(markers) == 0 {
		return nil
	}

	var out []Candidate
	for i, m := range markers {
		end := len(raw)
		if i+1 < len(markers) {
			end = markers[i+1][0]
		}
		block := raw[m[1]:end]
		if c, ok := candidateFromBlock(block); ok {
			out = append(out, c)
		}
	}
	return out
}

func candidateFromBlock(block string) (Candidate, bool) {
	var c Candidate
	seen := [4]bool{}

	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(strings.Trim(strings.TrimSpace(line), "*"))
		if line == "" {
			continue
		}

		if m := optionLineRe.FindStringSubmatch(line); m != nil {
			idx := int(strings.ToUpper(m[1])[0] - 'A')
			if !seen[idx] {
				c.Options[idx] = strings.TrimSpace(m[2])
				seen[idx] = true
			}
			continue
		}
		if correctLineRe.MatchString(line) && c.CorrectSource == "" {
			c.CorrectSource = valueAfterColon(line)
			continue
		}
		if explanationRe.MatchString(line) && c.Explanation == "" {
			c.Explanation = valueAfterColon(line)
			continue
		}
		if c.Question == "" {
			c.Question = line
		}
	}

	if c.Question == "" {
		return Candidate{}, false
	}
	return c, true
}

func valueAfterColon(line string) string {
	if i := strings.Index(line, ":"); i >= 0 {
		return strings.TrimSpace(line[i+1:])
	}
	return strings.TrimSpace(line)
}
