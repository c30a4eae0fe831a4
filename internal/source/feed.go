package source

import (
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ServerInfo is one entry of the server list, keyed by server code.
type ServerInfo struct {
	Name        string  `json:"Name"`
	Map         string  `json:"Map"`
	PlayerCount FlexInt `json:"PlayerCount"`
	MaxPlayers  FlexInt `json:"MaxPlayers"`
	ExtraInfo   *string `json:"ExtraInfo"`
}

// Details is the per-server breakdown.
type Details struct {
	TeamList   map[string]TeamInfo `json:"TeamList"`
	PlayerList []PlayerEntry       `json:"PlayerList"`
}

type TeamInfo struct {
	Name string `json:"Name"`
}

type PlayerEntry struct {
	SteamID64          string `json:"SteamID64"`
	SteamPlayerDetails struct {
		Name string `json:"Name"`
	} `json:"SteamPlayerDetails"`
	Details struct {
		Team    *FlexInt `json:"Team"`
		Frags   *FlexInt `json:"Frags"`
		BotInfo struct {
			Name string `json:"Name"`
		} `json:"BotInfo"`
	} `json:"Details"`
}

// IsBot reports whether the entry is a bot. Bots carry the SteamID "0".
func (p *PlayerEntry) IsBot() bool {
	return p.SteamID64 == "0"
}

// FlexInt accepts a JSON number or a quoted number. Some feed versions quote
// every value.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}

	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexInt(n)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("flex int: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("flex int %q: %w", s, err)
	}
	*f = FlexInt(n)
	return nil
}

// sanitizeName strips ^N color codes from in-game names.
func sanitizeName(s string) string {
	idx := strings.IndexByte(s, '^')
	if idx == -1 {
		return s
	}

	var sb strings.Builder
	sb.Grow(len(s))

	current := 0
	for {
		idx := strings.IndexByte(s[current:], '^')
		if idx == -1 {
			sb.WriteString(s[current:])
			break
		}

		absIdx := current + idx
		sb.WriteString(s[current:absIdx])

		if absIdx+1 < len(s) && s[absIdx+1] >= '0' && s[absIdx+1] <= '9' {
			current = absIdx + 2
		} else {
			sb.WriteByte('^')
			current = absIdx + 1
		}
	}

	return sb.String()
}
