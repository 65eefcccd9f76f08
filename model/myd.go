package model

import (
	"encoding/json"
	"time"
)

// Map Your Day data group and subgroup codes.
const (
	MYDDataGroupCode        = "map_your_day"
	MYDAverageWellbeingCode = "daily_average_wellbeing"
	MYDDailyReflectionCode  = "daily_reflection"
)

// Mood buckets derived from average wellbeing.
const (
	MoodHappy   = "happy"
	MoodNeutral = "neutral"
	MoodSad     = "sad"
)

// CUPEntry is a "collected user profile" record returned by the remote API.
type CUPEntry struct {
	ID         string         `json:"id,omitempty"`
	Start      time.Time      `json:"start"`
	DataGroups []CUPDataGroup `json:"datagroups"`
}

// CUPDataGroup is a named group of subgroups within a CUP entry.
type CUPDataGroup struct {
	Code      string        `json:"code,omitempty"`
	Subgroups []CUPSubgroup `json:"subgroups"`
}

// CUPSubgroup carries the raw data for a subgroup code.
type CUPSubgroup struct {
	Code string          `json:"code"`
	Data json.RawMessage `json:"data"`
}

// MYDReflection is the data of a daily_reflection subgroup.
type MYDReflection struct {
	Positive *string `json:"positive"`
	Negative *string `json:"negative"`
}

// MYDDay summarises one day of Map Your Day entries.
type MYDDay struct {
	AverageWellbeing *float64 `json:"averageWellbeing"`
	PositiveEvent    *string  `json:"positiveEvent"`
	NegativeEvent    *string  `json:"negativeEvent"`
	Mood             string   `json:"mood,omitempty"`
}

// MoodFor buckets an average wellbeing score.
func MoodFor(avg float64) string {
	switch {
	case avg >= 3.5:
		return MoodHappy
	case avg >= 2:
		return MoodNeutral
	default:
		return MoodSad
	}
}
