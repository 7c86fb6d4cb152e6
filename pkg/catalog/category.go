package catalog

import (
	"fmt"
	"strings"
)

// Category identifies one of the fixed listing endpoints.
type Category string

const (
	Popular    Category = "popular"
	NowPlaying Category = "now_playing"
	TopRated   Category = "top_rated"
	Upcoming   Category = "upcoming"
)

// Categories returns all listing categories in display order.
func Categories() []Category {
	return []Category{Popular, NowPlaying, TopRated, Upcoming}
}

func (c Category) String() string { return string(c) }

// Title is the human-readable label.
func (c Category) Title() string {
	switch c {
	case Popular:
		return "Popular"
	case NowPlaying:
		return "Now Playing"
	case TopRated:
		return "Top Rated"
	case Upcoming:
		return "Upcoming"
	}
	return string(c)
}

// ParseCategory accepts the endpoint name or a dashed/short alias.
func ParseCategory(s string) (Category, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, "-", "_")
	switch key {
	case "popular", "pop":
		return Popular, nil
	case "now_playing", "nowplaying", "now":
		return NowPlaying, nil
	case "top_rated", "toprated", "top":
		return TopRated, nil
	case "upcoming", "soon":
		return Upcoming, nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}
