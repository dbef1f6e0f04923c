package domain

import "time"

// Wrap is the persisted artifact of a successful generation task. Wraps may
// also be created outside the pipeline (uploads, imports), in which case
// TaskID is empty.
type Wrap struct {
	ID              string
	TaskID          string
	UserID          string
	Name            string
	NameEN          string
	DescriptionEN   string
	Prompt          string
	ModelSlug       string
	Slug            string
	TextureURL      string
	PreviewURL      string
	ReferenceImages []string
	IsPublic        bool
	DownloadCount   int
	CreatedAt       time.Time
}

// WrapMetadata is the bilingual display metadata derived for a wrap. It is
// best-effort: when the secondary generative call fails the caller falls back
// to a prompt-derived name.
type WrapMetadata struct {
	Name          string `json:"name"`
	NameEN        string `json:"name_en"`
	DescriptionEN string `json:"description_en"`
}
