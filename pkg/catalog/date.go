package catalog

import "time"

var releaseDateLayouts = []string{"2006-01-02", "02-01-2006"}

// YearFrom returns the year of a yyyy-MM-dd or dd-MM-yyyy date, or 0.
func YearFrom(date string) int {
	for _, layout := range releaseDateLayouts {
		if t, err := time.Parse(layout, date); err == nil {
			return t.Year()
		}
	}
	return 0
}
