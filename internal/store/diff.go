package store

// ChangeSet describes how one ordered snapshot became the next. Deletions
// index the previous snapshot; Insertions and Modifications index the new one.
type ChangeSet struct {
	Deletions     []int `json:"deletions,omitempty"`
	Insertions    []int `json:"insertions,omitempty"`
	Modifications []int `json:"modifications,omitempty"`
}

// Empty reports whether nothing changed.
func (c ChangeSet) Empty() bool {
	return len(c.Deletions) == 0 && len(c.Insertions) == 0 && len(c.Modifications) == 0
}

// Diff compares two snapshots by item id.
func Diff(prev, next []Item) ChangeSet {
	prevIdx := make(map[int64]int, len(prev))
	for i, it := range prev {
		prevIdx[it.ID] = i
	}
	nextIdx := make(map[int64]struct{}, len(next))
	for _, it := range next {
		nextIdx[it.ID] = struct{}{}
	}

	var cs ChangeSet
	for i, it := range prev {
		if _, ok := nextIdx[it.ID]; !ok {
			cs.Deletions = append(cs.Deletions, i)
		}
	}
	for j, it := range next {
		i, ok := prevIdx[it.ID]
		if !ok {
			cs.Insertions = append(cs.Insertions, j)
			continue
		}
		if !sameContent(prev[i], it) {
			cs.Modifications = append(cs.Modifications, j)
		}
	}
	return cs
}

// sameContent ignores UpdatedAt so that re-syncing identical data is silent.
func sameContent(a, b Item) bool {
	return a.Title == b.Title &&
		a.Year == b.Year &&
		a.Rating == b.Rating &&
		a.PosterPath == b.PosterPath &&
		a.Description == b.Description &&
		a.IsLiked == b.IsLiked &&
		a.PreviewJSON == b.PreviewJSON
}
