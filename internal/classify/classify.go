// Package classify decodes the compound classification strings carried by
// detection and annotation tables and resolves segmentation tags into the
// punctal-vs-fiber object kind.
package classify

import (
	"fmt"
	"strings"

	"histoquant/pkg/domain"
)

const classSeparator = ":"

// Split decodes a "Primary: derived" classification string. Both parts are
// whitespace-trimmed; the derived part may itself contain separators and is
// returned verbatim past the first one.
func Split(s string) (primary, derived string, err error) {
	before, after, found := strings.Cut(s, classSeparator)
	if !found {
		return "", "", fmt.Errorf("classification %q: missing %q separator", s, classSeparator)
	}
	primary = strings.TrimSpace(before)
	derived = strings.TrimSpace(after)
	if primary == "" || derived == "" {
		return "", "", fmt.Errorf("classification %q: empty part", s)
	}
	return primary, derived, nil
}

// SplitHemisphere decodes a "Hemisphere: acronym" annotation classification.
func SplitHemisphere(s string) (domain.Hemisphere, string, error) {
	primary, derived, err := Split(s)
	if err != nil {
		return "", "", err
	}
	hemisphere := domain.Hemisphere(primary)
	if !hemisphere.Valid() {
		return "", "", fmt.Errorf("classification %q: unknown hemisphere %q", s, primary)
	}
	return hemisphere, derived, nil
}

// Keywords holds the segmentation-tag vocabularies deciding the object
// kind. Matching is case-insensitive; a tag matches a set when it equals a
// keyword or contains one as a word.
type Keywords struct {
	Punctal []string
	Fiber   []string
}

// DefaultKeywords returns the stock vocabularies used by the upstream
// segmentation tooling.
func DefaultKeywords() Keywords {
	return Keywords{
		Punctal: []string{"cells", "cell", "polygons", "polygon", "synapto", "boutons", "points"},
		Fiber:   []string{"fibers", "fiber", "axons", "axon"},
	}
}

// KindOf resolves a segmentation tag to its object kind. An unrecognized
// tag is fatal for the caller because the downstream metric choice (count
// vs cumulated length) depends on the resolved kind.
func (k Keywords) KindOf(tag string) (domain.ObjectKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(tag))
	if matches(normalized, k.Punctal) {
		return domain.KindPunctal, nil
	}
	if matches(normalized, k.Fiber) {
		return domain.KindFiber, nil
	}
	return "", domain.UnknownSegmentationTagError{Tag: tag}
}

func matches(tag string, keywords []string) bool {
	for _, keyword := range keywords {
		if tag == keyword {
			return true
		}
	}
	// Compound tags such as "synaptophysin_boutons" match on any
	// embedded keyword token.
	for _, token := range strings.FieldsFunc(tag, func(r rune) bool {
		return r == '_' || r == '-' || r == ' ' || r == '.'
	}) {
		for _, keyword := range keywords {
			if token == keyword || strings.HasPrefix(token, keyword) {
				return true
			}
		}
	}
	return false
}
