package logic

import (
	"regexp"
	"strconv"

	"github.com/openmohaa/session-tracker/internal/models"
)

var (
	wavePattern  = regexp.MustCompile(`(?i)wave\s*(\d+)`)
	digitPattern = regexp.MustCompile(`\d+`)
)

// ParseWave extracts the wave index from free-text like "Wave 3 - Survive".
// Falls back to the first run of digits; unknown when there are none.
func ParseWave(text models.Optional[string]) models.Optional[int] {
	s, ok := text.Get()
	if !ok || s == "" {
		return models.None[int]()
	}

	var digits string
	if m := wavePattern.FindStringSubmatch(s); m != nil {
		digits = m[1]
	} else if m := digitPattern.FindString(s); m != "" {
		digits = m
	} else {
		return models.None[int]()
	}

	n, err := strconv.Atoi(digits)
	if err != nil {
		// overflowing digit runs are not a wave index
		return models.None[int]()
	}
	return models.Some(n)
}
