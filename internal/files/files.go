package files

import (
	"time"
)

// Item is one catalog record.
type Item struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Desc         string    `json:"desc"`
	Category     string    `json:"category"`
	Filename     string    `json:"filename"`
	OriginalName string    `json:"originalName"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType,omitempty"`
	UploadedAt   time.Time `json:"uploadedAt"`
	Public       bool      `json:"public"`
	Uploader     string    `json:"uploader"`
}

// PublicItem is the projection of an Item served to anyone.
type PublicItem struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Desc     string `json:"desc"`
	Category string `json:"category"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// Matches reports whether key is the item's id or its storage name.
func (i *Item) Matches(key string) bool {
	return key != "" && (i.ID == key || i.Filename == key)
}

// Catalog persists the ordered item list as a single unit.
type Catalog interface {
	// Load never fails; a missing or corrupt catalog reads as empty.
	Load() []*Item
	// Save replaces the whole catalog.
	Save(items []*Item) error
}

func findItem(items []*Item, key string) (int, *Item) {
	for i, it := range items {
		if it.Matches(key) {
			return i, it
		}
	}
	return -1, nil
}
