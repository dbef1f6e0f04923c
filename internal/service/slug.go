package service

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/gosimple/slug"

	"wrapserver/internal/domain"
)

// buildSlugBase derives a URL slug base for a wrap, preferring the English
// metadata name over the raw prompt.
func buildSlugBase(meta *domain.WrapMetadata, prompt, modelSlug string) string {
	source := ""
	if meta != nil {
		source = strings.TrimSpace(meta.NameEN)
		if source == "" {
			source = strings.TrimSpace(meta.Name)
		}
	}
	if source == "" {
		source = truncateWords(prompt, 6)
	}
	base := slug.Make(source)
	if base == "" {
		base = slug.Make(modelSlug + "-wrap")
	}
	if len(base) > 60 {
		base = strings.Trim(base[:60], "-")
	}
	return base
}

// ensureUniqueSlug appends a short random suffix until the slug is free.
func ensureUniqueSlug(ctx context.Context, wraps domain.WrapRepository, base string) (string, error) {
	candidate := base
	for attempt := 0; attempt < 5; attempt++ {
		exists, err := wraps.SlugExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%04x", base, rand.Intn(0x10000))
	}
	return candidate, nil
}

func truncateWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}
