package catalog

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Page is one page of a listing or search response.
type Page struct {
	Page         int     `json:"page"`
	TotalPages   int     `json:"total_pages"`
	TotalResults int     `json:"total_results"`
	Results      []Movie `json:"results"`
}

// Movie is a single result entry.
type Movie struct {
	ID            int64   `json:"id"`
	Title         string  `json:"title"`
	OriginalTitle string  `json:"original_title"`
	ReleaseDate   string  `json:"release_date"`
	VoteAverage   float64 `json:"vote_average"`
	PosterPath    *string `json:"poster_path"`
	Overview      string  `json:"overview"`
}

// UnmarshalJSON rejects results missing id, release_date, vote_average,
// or both title fields. poster_path may be null or absent.
func (m *Movie) UnmarshalJSON(data []byte) error {
	type wire struct {
		ID            *int64   `json:"id"`
		Title         *string  `json:"title"`
		OriginalTitle *string  `json:"original_title"`
		ReleaseDate   *string  `json:"release_date"`
		VoteAverage   *float64 `json:"vote_average"`
		PosterPath    *string  `json:"poster_path"`
		Overview      string   `json:"overview"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var missing []string
	if w.ID == nil {
		missing = append(missing, "id")
	}
	if w.Title == nil && w.OriginalTitle == nil {
		missing = append(missing, "title")
	}
	if w.ReleaseDate == nil {
		missing = append(missing, "release_date")
	}
	if w.VoteAverage == nil {
		missing = append(missing, "vote_average")
	}
	if len(missing) > 0 {
		return fmt.Errorf("movie result missing %s", strings.Join(missing, ", "))
	}

	*m = Movie{
		ID:          *w.ID,
		ReleaseDate: *w.ReleaseDate,
		VoteAverage: *w.VoteAverage,
		PosterPath:  w.PosterPath,
		Overview:    w.Overview,
	}
	if w.Title != nil {
		m.Title = *w.Title
	}
	if w.OriginalTitle != nil {
		m.OriginalTitle = *w.OriginalTitle
	}
	return nil
}

// DisplayTitle prefers the localized title.
func (m Movie) DisplayTitle() string {
	if m.Title != "" {
		return m.Title
	}
	return m.OriginalTitle
}

// Year is the first four characters of the release date, or "".
func (m Movie) Year() string {
	if len(m.ReleaseDate) < 4 {
		return ""
	}
	return m.ReleaseDate[:4]
}

// Rating formats vote_average with one decimal.
func (m Movie) Rating() string {
	return fmt.Sprintf("%.1f", m.VoteAverage)
}

// PosterURL joins the poster path onto base, or returns "" without a poster.
func (m Movie) PosterURL(base string) string {
	if m.PosterPath == nil || *m.PosterPath == "" {
		return ""
	}
	return imageURL(base, *m.PosterPath)
}

// Trailer is one entry of the videos endpoint.
type Trailer struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
	Site string `json:"site"`
	Type string `json:"type"`
}

type videosResponse struct {
	Results []Trailer `json:"results"`
}

type imagesResponse struct {
	Backdrops []struct {
		FilePath string `json:"file_path"`
	} `json:"backdrops"`
}

func imageURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
