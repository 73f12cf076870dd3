package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lunchrun/app/core/orchestrator/conversation"
	"lunchrun/app/pkg/logger"

	"go.uber.org/zap"
)

const defaultCategoryLabel = "Restaurant"

var genericPlaceTypes = map[string]bool{
	"point_of_interest": true,
	"establishment":     true,
	"store":             true,
	"food":              true,
	"restaurant":        true,
}

var categoryKeywords = []struct {
	label    string
	keywords []string
}{
	{label: "Drinks & Light Bites", keywords: []string{"drink", "tea", "coffee", "boba", "juice", "飲料", "茶", "咖啡", "手搖"}},
	{label: "Noodles", keywords: []string{"noodle", "ramen", "udon", "麵"}},
	{label: "Bento", keywords: []string{"bento", "lunch box", "便當"}},
	{label: "Dessert", keywords: []string{"dessert", "cake", "甜點"}},
}

type searchHandler struct {
	searcher Searcher
	limit    int
	timeout  time.Duration
}

func (h *searchHandler) Handle(ctx context.Context, state *conversation.State) Outcome {
	if h.searcher == nil {
		return Outcome{
			Reply: "Sorry, restaurant search is not configured right now.",
			Err:   unavailable("search", errors.New("no searcher")),
		}
	}
	query := strings.TrimSpace(state.Slots.FoodCategory)
	location := strings.TrimSpace(state.Slots.Location)

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	places, err := h.searcher.Search(callCtx, query, location)
	cancel()
	if err != nil {
		logger.L().Warn("[Handlers] search failed", zap.String("query", query), zap.Error(err))
		return Outcome{
			Reply: "Sorry, I could not reach the restaurant search just now. Tell me again in a moment and I will retry.",
			Err:   unavailable("search", err),
		}
	}
	if len(places) == 0 {
		return Outcome{Reply: fmt.Sprintf("Sorry, I found no %s places near %s. Try another kind of food or area.", query, location)}
	}

	if len(places) > h.limit {
		places = places[:h.limit]
	}
	results := make([]conversation.SearchResult, 0, len(places))
	for _, p := range places {
		results = append(results, conversation.SearchResult{
			Name:          p.Name,
			Rating:        p.Rating,
			Address:       p.Address,
			ID:            p.ID,
			CategoryLabel: CategoryLabel(p.Types, query),
		})
	}
	state.SearchResults = results
	state.SearchKey = conversation.SearchKeyFor(state.Slots)

	var b strings.Builder
	fmt.Fprintf(&b, "Here are %d places for %s near %s:", len(results), query, location)
	for i, r := range results {
		fmt.Fprintf(&b, "\n%d. %s (%.1f) %s", i+1, r.Name, r.Rating, r.Address)
	}
	b.WriteString("\nPick one and tell me the order title, the deadline and how to reach the organizer.")
	return Outcome{
		Reply:      b.String(),
		Structured: []Structured{{Kind: KindRestaurantList, Data: results}},
	}
}

// CategoryLabel prefers the first non-generic provider tag, then a keyword
// match on the query, then a fixed default.
func CategoryLabel(tags []string, query string) string {
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || genericPlaceTypes[tag] {
			continue
		}
		return titleCase(strings.ReplaceAll(tag, "_", " "))
	}
	q := strings.ToLower(query)
	for _, entry := range categoryKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(q, kw) {
				return entry.label
			}
		}
	}
	return defaultCategoryLabel
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
