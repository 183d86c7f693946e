package model

import (
	"maps"
	"time"
)

// Well-known content keys written by the AI sub-pipeline. The engine treats
// everything else in Content as opaque.
const (
	ContentTitle          = "title"
	ContentDescription    = "description"
	ContentCategory       = "category"
	ContentCondition      = "condition"
	ContentBrand          = "brand"
	ContentSuggestedPrice = "suggested_price"
	ContentTags           = "tags"
)

// Item is the unit of work moved through the stages.
type Item struct {
	ID        string         `json:"id"`
	Stage     Stage          `json:"stage"`
	Status    Status         `json:"status"`
	Content   map[string]any `json:"content,omitempty"`
	PhotoRefs []string       `json:"photo_refs,omitempty"`
	CreatedBy string         `json:"created_by"`
	LastError string         `json:"last_error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Version   int            `json:"version"`
}

// ContentString returns a string content field, or "" when absent.
func (i Item) ContentString(key string) string {
	if i.Content == nil {
		return ""
	}
	v, _ := i.Content[key].(string)
	return v
}

// PrimaryPhoto returns the first photo reference, or "" if the item has none.
func (i Item) PrimaryPhoto() string {
	if len(i.PhotoRefs) == 0 {
		return ""
	}
	return i.PhotoRefs[0]
}

// Clone returns a copy whose Content and PhotoRefs can be mutated without
// affecting the receiver.
func (i Item) Clone() Item {
	out := i
	if i.Content != nil {
		out.Content = maps.Clone(i.Content)
	}
	if i.PhotoRefs != nil {
		out.PhotoRefs = append([]string(nil), i.PhotoRefs...)
	}
	return out
}

// MergeContent overlays changes onto the item's content. A nil value removes
// the key.
func (i *Item) MergeContent(changes map[string]any) {
	if len(changes) == 0 {
		return
	}
	if i.Content == nil {
		i.Content = make(map[string]any, len(changes))
	}
	for k, v := range changes {
		if v == nil {
			delete(i.Content, k)
			continue
		}
		i.Content[k] = v
	}
}

// User is a role carrier referenced by workflow actions.
type User struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name"`
	Role Role   `json:"role" yaml:"role"`
}
