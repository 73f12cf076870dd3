package aggregate

import (
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
)

// ErrMissingColumn means responses exist but none carries the choice field.
var ErrMissingColumn = errors.New("aggregate: choice column missing")

const unspecified = "(not specified)"

// Fields names the response columns used for tallying.
type Fields struct {
	Choice string
	Name   string
	Email  string
}

type Group struct {
	Choice      string   `json:"choice"`
	Count       int      `json:"count"`
	Respondents []string `json:"respondents"`
}

type Tally struct {
	Total        int      `json:"total"`
	Groups       []Group  `json:"groups"`
	Participants []string `json:"participants,omitempty"`
}

// Count groups records by the choice field, counting occurrences and listing
// respondents per group. Groups are ordered by count, then choice.
func Count(records []map[string]string, fields Fields) (Tally, error) {
	if len(records) == 0 {
		return Tally{}, nil
	}
	if !hasColumn(records, fields.Choice) {
		return Tally{}, fmt.Errorf("%w: %q not in %v", ErrMissingColumn, fields.Choice, columns(records))
	}

	index := map[string]int{}
	var groups []Group
	seenEmail := map[string]bool{}
	var participants []string
	for _, rec := range records {
		choice := strings.TrimSpace(rec[fields.Choice])
		if choice == "" {
			choice = unspecified
		}
		i, ok := index[choice]
		if !ok {
			i = len(groups)
			index[choice] = i
			groups = append(groups, Group{Choice: choice})
		}
		groups[i].Count++
		if name := strings.TrimSpace(rec[fields.Name]); name != "" {
			groups[i].Respondents = append(groups[i].Respondents, name)
		}

		if fields.Email == "" {
			continue
		}
		email := strings.ToLower(strings.TrimSpace(rec[fields.Email]))
		if email != "" && strings.Contains(email, "@") && !seenEmail[email] {
			seenEmail[email] = true
			participants = append(participants, email)
		}
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].Choice < groups[j].Choice
	})
	return Tally{Total: len(records), Groups: groups, Participants: participants}, nil
}

func hasColumn(records []map[string]string, name string) bool {
	for _, rec := range records {
		if _, ok := rec[name]; ok {
			return true
		}
	}
	return false
}

func columns(records []map[string]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, rec := range records {
		for k := range rec {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Text renders the summary pushed to chat targets.
func Text(title string, t Tally) string {
	var b strings.Builder
	if t.Total == 0 {
		fmt.Fprintf(&b, "[%s] order summary\n\nNobody ordered this time.", title)
		return b.String()
	}
	fmt.Fprintf(&b, "[%s] order summary - %d total", title, t.Total)
	for _, g := range t.Groups {
		fmt.Fprintf(&b, "\n- %s x %d", g.Choice, g.Count)
		if len(g.Respondents) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(g.Respondents, ", "))
		}
	}
	return b.String()
}

// HTML renders the summary email body.
func HTML(title string, t Tally) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<h3>Order summary</h3><h4>%s</h4>", html.EscapeString(title))
	if t.Total == 0 {
		b.WriteString("<p>Nobody ordered this time.</p>")
		return b.String()
	}
	fmt.Fprintf(&b, "<p>%d responses</p>", t.Total)
	b.WriteString("<table border='1' cellpadding='5' cellspacing='0'><tr><th>Item</th><th>Count</th><th>Who</th></tr>")
	for _, g := range t.Groups {
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%d</td><td>%s</td></tr>",
			html.EscapeString(g.Choice), g.Count, html.EscapeString(strings.Join(g.Respondents, ", ")))
	}
	b.WriteString("</table>")
	return b.String()
}
