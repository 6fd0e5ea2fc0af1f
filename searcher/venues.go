package searcher

import (
	"errors"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrInvalidVenue = errors.New("invalid venue specification")

// DefaultTakerFeeBps is assumed for venues missing from the config.
const DefaultTakerFeeBps = 10.0

type VenueKind string

const (
	VenueKindAMM       VenueKind = "amm"
	VenueKindLending   VenueKind = "lending"
	VenueKindOrderBook VenueKind = "orderbook"
)

type VenuesConfig struct {
	Venues []struct {
		Name         string  `yaml:"name"`
		Kind         string  `yaml:"kind"`
		TakerFeeBps  float64 `yaml:"takerFeeBps"`
		LatencyClass string  `yaml:"latencyClass"`
		Disabled     bool    `yaml:"disabled"`
	} `yaml:"venues"`
}

type Venue struct {
	Name         VenueID
	Kind         VenueKind
	TakerFeeBps  float64
	LatencyClass string
}

// VenueSet is the static venue metadata detectors read fees from.
type VenueSet struct {
	venues map[VenueID]Venue
}

// LoadVenueConfig parses a venue config from a file
func LoadVenueConfig(file string) (*VenueSet, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	var config VenuesConfig
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, err
	}

	venues := make([]Venue, 0, len(config.Venues))
	for _, venue := range config.Venues {
		if venue.Disabled {
			continue
		}
		if venue.Name == "" {
			return nil, ErrInvalidVenue
		}

		var kind VenueKind
		switch venue.Kind {
		case "amm":
			kind = VenueKindAMM
		case "lending":
			kind = VenueKindLending
		case "orderbook":
			kind = VenueKindOrderBook
		default:
			return nil, ErrInvalidVenue
		}

		venues = append(venues, Venue{
			Name:         VenueID(venue.Name),
			Kind:         kind,
			TakerFeeBps:  venue.TakerFeeBps,
			LatencyClass: venue.LatencyClass,
		})
	}
	return NewVenueSet(venues), nil
}

func NewVenueSet(venues []Venue) *VenueSet {
	m := make(map[VenueID]Venue, len(venues))
	for _, v := range venues {
		m[v.Name] = v
	}
	return &VenueSet{venues: m}
}

// Fee returns the venue taker fee as a fraction (10 bps -> 0.001).
func (s *VenueSet) Fee(venue VenueID) float64 {
	if v, ok := s.venues[venue]; ok {
		return v.TakerFeeBps / 10000
	}
	return DefaultTakerFeeBps / 10000
}

// Known reports whether the venue is present and enabled.
func (s *VenueSet) Known(venue VenueID) bool {
	_, ok := s.venues[venue]
	return ok
}
