// Package places searches nearby shops with the Google Places text search.
package places

import (
	"context"
	"fmt"
	"strings"

	"lunchrun/app/core/orchestrator/handlers"

	"googlemaps.github.io/maps"
)

type Config struct {
	APIKey          string
	DefaultLocation string
	RadiusMeters    uint
	Language        string
	// BaseURL overrides the Maps API host. Tests point it at httptest.
	BaseURL string
}

type Searcher struct {
	client   *maps.Client
	fallback *maps.LatLng
	radius   uint
	language string
}

func New(cfg Config) (*Searcher, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("places api key is required")
	}
	opts := []maps.ClientOption{maps.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, maps.WithBaseURL(cfg.BaseURL))
	}
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("maps client: %w", err)
	}
	s := &Searcher{client: client, radius: cfg.RadiusMeters, language: cfg.Language}
	if s.radius == 0 {
		s.radius = 5000
	}
	if ll, ok := parseLatLng(cfg.DefaultLocation); ok {
		s.fallback = ll
	}
	return s, nil
}

// Search looks for query around location. A "lat,lng" location biases the
// search geographically; any other text is folded into the query.
func (s *Searcher) Search(ctx context.Context, query string, location string) ([]handlers.Place, error) {
	req := &maps.TextSearchRequest{
		Query:    strings.TrimSpace(query),
		Language: s.language,
	}
	if ll, ok := parseLatLng(location); ok {
		req.Location = ll
	} else {
		if loc := strings.TrimSpace(location); loc != "" {
			req.Query = strings.TrimSpace(req.Query + " " + loc)
		}
		req.Location = s.fallback
	}
	if req.Location != nil {
		req.Radius = s.radius
	}

	resp, err := s.client.TextSearch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("places text search: %w", err)
	}
	out := make([]handlers.Place, 0, len(resp.Results))
	for _, r := range resp.Results {
		addr := r.Vicinity
		if addr == "" {
			addr = r.FormattedAddress
		}
		out = append(out, handlers.Place{
			Name:    r.Name,
			Rating:  float64(r.Rating),
			Address: addr,
			ID:      r.PlaceID,
			Types:   r.Types,
		})
	}
	return out, nil
}

func parseLatLng(text string) (*maps.LatLng, bool) {
	text = strings.ReplaceAll(strings.TrimSpace(text), " ", "")
	if strings.Count(text, ",") != 1 {
		return nil, false
	}
	ll, err := maps.ParseLatLng(text)
	if err != nil || ll.Lat < -90 || ll.Lat > 90 || ll.Lng < -180 || ll.Lng > 180 {
		return nil, false
	}
	return &ll, true
}
