package conversation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrExtractionParse marks extractor output that could not be decoded.
var ErrExtractionParse = errors.New("conversation: extraction parse failed")

// Extraction is the extractor's per-turn output: candidate slot values plus
// the explicit selection flag that gates selected_option.
type Extraction struct {
	Fields             map[string]string `json:"fields"`
	SelectionConfirmed bool              `json:"selection_confirmed"`
}

// Empty reports whether the extraction carries no usable value.
func (e Extraction) Empty() bool {
	for _, v := range e.Fields {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// ParseExtraction decodes the extractor's JSON object. Unknown keys are
// ignored. A JSON object wrapped in a markdown fence or surrounding prose is
// accepted; anything else returns ErrExtractionParse.
func ParseExtraction(raw string) (Extraction, error) {
	body := stripFence(raw)
	if !gjson.Valid(body) {
		if start, end := strings.Index(body, "{"), strings.LastIndex(body, "}"); start >= 0 && end > start {
			body = body[start : end+1]
		}
	}
	if !gjson.Valid(body) {
		return Extraction{}, fmt.Errorf("%w: invalid json", ErrExtractionParse)
	}
	root := gjson.Parse(body)
	if !root.IsObject() {
		return Extraction{}, fmt.Errorf("%w: expected object, got %s", ErrExtractionParse, root.Type)
	}

	out := Extraction{Fields: map[string]string{}}
	for _, name := range SlotNames {
		v := root.Get(name)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if v.IsObject() || v.IsArray() {
			return Extraction{}, fmt.Errorf("%w: slot %s is not a scalar", ErrExtractionParse, name)
		}
		if text := strings.TrimSpace(v.String()); text != "" {
			out.Fields[name] = text
		}
	}
	out.SelectionConfirmed = root.Get("selection_confirmed").Bool()
	return out, nil
}

func stripFence(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
