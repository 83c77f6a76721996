// ABOUTME: /remake support: a random birthplace drawn from the embedded area list

package basic

import (
	_ "embed"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/samber/lo"
)

//go:embed data/areas.json
var areasJSON []byte

var embeddedAreas = lo.Must(LoadAreas(areasJSON))

// Area is one city a /remake can land in.
type Area struct {
	Country string
	City    string
}

type areaGroup struct {
	Country string   `json:"country"`
	Cities  []string `json:"cities"`
}

// LoadAreas flattens a JSON list of countries and their cities into one Area per city.
func LoadAreas(data []byte) ([]Area, error) {
	var groups []areaGroup
	if err := sonic.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("decode areas: %w", err)
	}

	areas := lo.FlatMap(groups, func(g areaGroup, _ int) []Area {
		return lo.Map(g.Cities, func(city string, _ int) Area {
			return Area{Country: g.Country, City: city}
		})
	})
	if len(areas) == 0 {
		return nil, errors.New("area list is empty")
	}
	return areas, nil
}
