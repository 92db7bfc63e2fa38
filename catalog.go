package main

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
)

// Country is one entry of the embedded country dataset, identified by its
// lowercase ISO 3166-1 alpha-2 code.
type Country struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

//go:embed assets/countries.json
var countriesJSON []byte

// Catalog is the immutable country list that flags are drawn from.
type Catalog struct {
	countries []Country
}

func loadCatalog() (*Catalog, error) {
	var countries []Country
	if err := json.Unmarshal(countriesJSON, &countries); err != nil {
		return nil, fmt.Errorf("loading country data: %w", err)
	}
	if len(countries) == 0 {
		return nil, errors.New("country data is empty")
	}

	return &Catalog{countries: countries}, nil
}

func (c *Catalog) size() int {
	return len(c.countries)
}

// randomCountry draws a uniformly random country. When exclude is non-empty,
// the country with that code is never returned, so consecutive rounds never
// repeat a flag.
func (c *Catalog) randomCountry(exclude string) Country {
	for {
		country := c.countries[rand.IntN(len(c.countries))]
		if country.Code != exclude || len(c.countries) == 1 {
			return country
		}
	}
}

// countryOptions builds a shuffled option set of the given size, containing
// the target exactly once plus distinct random distractors.
func (c *Catalog) countryOptions(target Country, total int) []Country {
	if total > len(c.countries) {
		total = len(c.countries)
	}

	options := make([]Country, 0, total)
	options = append(options, target)
	seen := map[string]bool{target.Code: true}

	for len(options) < total {
		candidate := c.countries[rand.IntN(len(c.countries))]
		if seen[candidate.Code] {
			continue
		}
		seen[candidate.Code] = true
		options = append(options, candidate)
	}

	rand.Shuffle(len(options), func(i, j int) {
		options[i], options[j] = options[j], options[i]
	})

	return options
}

// flagURL maps a country code to its image on flagcdn.com. Two size tiers
// exist: 80px and 160px tall.
func flagURL(code string, large bool) string {
	size := "h80"
	if large {
		size = "h160"
	}

	return "https://flagcdn.com/" + size + "/" + strings.ToLower(code) + ".png"
}
