package deadline

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
	"unicode"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/olebedev/when/rules/zh"
)

// ErrDeadlineParse is returned when free text cannot be resolved to a
// future absolute time.
var ErrDeadlineParse = errors.New("deadline: cannot parse")

var layouts = []string{
	time.RFC3339,
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006/01/02 15:04",
	"2006-01-02",
}

// zh rules without ExactMonthDate: its pattern is all optional, matches the
// empty string and reads "5pm" as the 5th.
var zhRules = []rules.Rule{
	zh.Weekday(rules.Override),
	zh.CasualDate(rules.Override),
	zh.CasualTime(rules.Override),
	zh.HourMinute(rules.Override),
	zh.TraditionHour(rules.Override),
	zh.AfterTime(rules.Override),
}

// The zh rules only know simplified forms.
var simplified = strings.NewReplacer(
	"點", "点",
	"後", "后",
	"週", "周",
	"禮拜", "礼拜",
	"鐘", "钟",
	"個", "个",
	"號", "号",
	"兩", "两",
)

// Parser resolves natural-language deadlines ("tomorrow 5pm", "明天下午五點")
// in a fixed timezone, preferring future interpretations.
type Parser struct {
	en  *when.Parser
	zh  *when.Parser
	loc *time.Location
}

func New(timezone string) (*Parser, error) {
	loc := time.UTC
	if tz := strings.TrimSpace(timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("deadline: load timezone %q: %w", tz, err)
		}
		loc = l
	}

	enParser := when.New(nil)
	enParser.Add(guard(en.All)...)
	enParser.Add(guard(common.All)...)

	zhParser := when.New(nil)
	zhParser.Use(func(s string) (string, error) { return simplified.Replace(s), nil })
	zhParser.Add(guard(zhRules)...)

	return &Parser{en: enParser, zh: zhParser, loc: loc}, nil
}

func (p *Parser) Location() *time.Location {
	return p.loc
}

// Parse returns the absolute time text refers to, relative to now.
// Explicit timestamps must lie in the future. A bare time of day that
// already passed today rolls over to tomorrow.
func (p *Parser) Parse(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, fmt.Errorf("%w: empty deadline", ErrDeadlineParse)
	}
	base := now.In(p.loc)

	if at, ok := p.parseLayout(text); ok {
		if !at.After(base) {
			return time.Time{}, fmt.Errorf("%w: %q is in the past", ErrDeadlineParse, text)
		}
		return at, nil
	}

	at, err := p.parsePhrase(text, base)
	if err != nil {
		return time.Time{}, err
	}
	if at.After(base) {
		return at, nil
	}
	if sameDay(at, base) {
		return at.AddDate(0, 0, 1), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q is in the past", ErrDeadlineParse, text)
}

func (p *Parser) parsePhrase(text string, base time.Time) (at time.Time, err error) {
	defer func() {
		if r := recover(); r != nil {
			at, err = time.Time{}, fmt.Errorf("%w: %q: %v", ErrDeadlineParse, text, r)
		}
	}()

	parsers := []*when.Parser{p.en}
	if hasHan(text) {
		parsers = []*when.Parser{p.zh, p.en}
	}
	for _, w := range parsers {
		res, perr := w.Parse(text, base)
		if perr != nil {
			err = perr
			continue
		}
		if res != nil {
			return res.Time.In(p.loc).Truncate(time.Minute), nil
		}
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrDeadlineParse, text, err)
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrDeadlineParse, text)
}

func (p *Parser) parseLayout(text string) (time.Time, bool) {
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, text, p.loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// guarded drops a rule match instead of letting a panicking rule take the
// parse down.
type guarded struct {
	rule rules.Rule
}

func (g guarded) Find(text string) (m *rules.Match) {
	defer func() {
		if recover() != nil {
			m = nil
		}
	}()
	return g.rule.Find(text)
}

func guard(rs []rules.Rule) []rules.Rule {
	out := make([]rules.Rule, 0, len(rs))
	for _, r := range rs {
		out = append(out, guarded{rule: r})
	}
	return out
}

func hasHan(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
