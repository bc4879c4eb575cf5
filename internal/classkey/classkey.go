package classkey

import (
	"errors"
	"fmt"
	"strings"
)

// Key identifies a roster: department, year, and an optional section.
// An empty Section is a wildcard that covers every section of the
// department+year, so a section-less session conflicts with all of them.
type Key struct {
	Department string `json:"department"`
	Year       int    `json:"year"`
	Section    string `json:"section,omitempty"`
}

// ErrInvalid is returned for keys missing required fields.
var ErrInvalid = errors.New("class key requires department and positive year")

// Validate checks required fields.
func (k Key) Validate() error {
	if strings.TrimSpace(k.Department) == "" || k.Year <= 0 {
		return ErrInvalid
	}
	return nil
}

// Overlaps reports whether two keys govern overlapping rosters. Sections
// overlap when equal or when either side is the wildcard.
func (k Key) Overlaps(other Key) bool {
	if !strings.EqualFold(k.Department, other.Department) || k.Year != other.Year {
		return false
	}
	if k.Section == "" || other.Section == "" {
		return true
	}
	return strings.EqualFold(k.Section, other.Section)
}

// Topic renders the notification topic for this key, with "*" standing in
// for the wildcard section.
func (k Key) Topic() string {
	section := k.Section
	if section == "" {
		section = "*"
	}
	return fmt.Sprintf("class:%s:%d:%s", k.Department, k.Year, section)
}

// String renders a human-readable form used in logs and conflict summaries.
func (k Key) String() string {
	if k.Section == "" {
		return fmt.Sprintf("%s-%d", k.Department, k.Year)
	}
	return fmt.Sprintf("%s-%d-%s", k.Department, k.Year, k.Section)
}
