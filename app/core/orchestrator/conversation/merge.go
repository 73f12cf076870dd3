package conversation

import "strings"

// Merge applies an extraction to a copy of state. A slot is overwritten only
// when the extraction names it with a non-empty value, so previously filled
// slots are never cleared. selected_option is applied only when the
// extractor flagged an explicit selection.
func Merge(state State, ext Extraction) State {
	out := state.Clone()
	for _, name := range SlotNames {
		value := strings.TrimSpace(ext.Fields[name])
		if value == "" {
			continue
		}
		if name == SlotSelectedOption && !ext.SelectionConfirmed {
			continue
		}
		out.Slots.set(name, value)
	}
	return out
}
