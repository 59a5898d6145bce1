// Package cost prices VM sessions per region.
package cost

import (
	"fmt"
	"math"
	"strings"
	"time"

	"mcctl/internal/apierr"
)

type Region string

const (
	RegionEU Region = "eu"
	RegionUS Region = "us"
)

type regionSpec struct {
	location   string
	serverType string
	hourlyRate float64
}

var catalog = map[Region]regionSpec{
	RegionEU: {location: "fsn1", serverType: "cx33", hourlyRate: 0.0085},
	RegionUS: {location: "ash", serverType: "cpx31", hourlyRate: 0.028},
}

// Regions returns the catalog keys in a stable order.
func Regions() []Region {
	return []Region{RegionEU, RegionUS}
}

func ParseRegion(s string) (Region, error) {
	r := Region(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := catalog[r]; !ok {
		return "", apierr.Validation("invalid_region", fmt.Sprintf("Invalid region %q. Must be one of: eu, us", s))
	}
	return r, nil
}

func (r Region) Valid() bool {
	_, ok := catalog[r]
	return ok
}

// HourlyRate returns 0 for regions outside the catalog.
func HourlyRate(r Region) float64 {
	return catalog[r].hourlyRate
}

func ServerType(r Region) string {
	return catalog[r].serverType
}

func Location(r Region) string {
	return catalog[r].location
}

// Calculate prices durationSeconds of uptime, rounded to 4 decimals.
func Calculate(durationSeconds int64, r Region) float64 {
	if durationSeconds <= 0 {
		return 0
	}
	hours := float64(durationSeconds) / 3600
	return Round4(hours * HourlyRate(r))
}

// Hours converts seconds to hours, rounded to 4 decimals.
func Hours(durationSeconds int64) float64 {
	if durationSeconds <= 0 {
		return 0
	}
	return Round4(float64(durationSeconds) / 3600)
}

func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// MonthKey is the monthly summary key ("YYYY-MM", UTC).
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
