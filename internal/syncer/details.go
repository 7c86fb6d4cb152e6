package syncer

import (
	"context"
	"fmt"

	"github.com/elonfeng/filmcache/internal/logging"
	"github.com/elonfeng/filmcache/internal/store"
)

// Details is what FetchDetails stored for one item.
type Details struct {
	ID              int64           `json:"id"`
	PreviewPictures []string        `json:"preview_pictures"`
	Trailers        []store.Trailer `json:"trailers"`
}

// FetchDetails loads backdrops and trailers for an item already in the store.
// A trailer failure is logged and does not discard the pictures.
func FetchDetails(ctx context.Context, c Catalog, st store.Store, id int64, previewLimit int) (*Details, error) {
	if _, err := st.GetItem(ctx, id); err != nil {
		return nil, err
	}

	urls, err := c.Images(ctx, id, previewLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch images %d: %w", id, err)
	}
	if err := st.SetPreviewPictures(ctx, id, urls); err != nil {
		return nil, err
	}
	d := &Details{ID: id, PreviewPictures: urls}

	videos, err := c.Videos(ctx, id)
	if err != nil {
		logging.Warn().Err(err).Int64("id", id).Msg("fetch trailers failed")
		return d, nil
	}

	trailers := make([]store.Trailer, 0, len(videos))
	for _, v := range videos {
		if v.ID == "" || v.Key == "" {
			continue
		}
		trailers = append(trailers, store.Trailer{
			ID: v.ID, ItemID: id, Key: v.Key, Name: v.Name, Site: v.Site, Type: v.Type,
		})
	}
	if err := st.ReplaceTrailers(ctx, id, trailers); err != nil {
		return nil, err
	}
	d.Trailers = trailers
	return d, nil
}
