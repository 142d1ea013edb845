package domain

import "strings"

// HueFilterAll reports whether a hue filter retains every hue value. An
// empty filter retains everything, as does a filter carrying an "all" or
// "both" sentinel anywhere in the list.
func HueFilterAll(filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, value := range filter {
		switch strings.ToLower(value) {
		case "all", "both":
			return true
		}
	}
	return false
}
