// Package policy resolves the cancellation fee schedule of a train operator.
package policy

import (
	"fmt"
	"sort"
	"time"
)

// Tier is one step of a fee schedule. Before departure Minutes is the minimum lead time
// the tier needs; after departure it is the latest elapsed time the tier covers.
type Tier struct {
	Minutes int     `yaml:"minutes" bson:"minutes" json:"minutes"`
	Rate    float64 `yaml:"rate" bson:"rate" json:"rate"`
}

// TieredPolicy prices a cancellation by how far the request is from departure.
type TieredPolicy struct {
	Operator string `yaml:"operator" bson:"operator" json:"operator"`
	Active   bool   `yaml:"-" bson:"active" json:"active"`
	Before   []Tier `yaml:"before" bson:"before" json:"before"`
	After    []Tier `yaml:"after" bson:"after" json:"after"`
}

// Default mirrors the national rail refund rules.
func Default() *TieredPolicy {
	return &TieredPolicy{
		Operator: "DEFAULT",
		Active:   true,
		Before: []Tier{
			{Minutes: 24 * 60, Rate: 0},
			{Minutes: 3 * 60, Rate: 0.05},
			{Minutes: 0, Rate: 0.1},
		},
		After: []Tier{
			{Minutes: 20, Rate: 0.15},
			{Minutes: 60, Rate: 0.4},
			{Minutes: 24 * 60, Rate: 0.7},
		},
	}
}

func (p *TieredPolicy) Validate() error {
	if p.Operator == "" {
		return fmt.Errorf("fee policy without operator")
	}
	if len(p.Before) == 0 || len(p.After) == 0 {
		return fmt.Errorf("fee policy %s: before and after tiers are required", p.Operator)
	}
	for _, t := range append(append([]Tier{}, p.Before...), p.After...) {
		if t.Rate < 0 || t.Rate > 1 {
			return fmt.Errorf("fee policy %s: rate %v out of [0,1]", p.Operator, t.Rate)
		}
		if t.Minutes < 0 {
			return fmt.Errorf("fee policy %s: negative minutes", p.Operator)
		}
	}
	return nil
}

// normalize sorts Before by lead time descending and After by elapsed time ascending.
func (p *TieredPolicy) normalize() {
	sort.Slice(p.Before, func(i, j int) bool { return p.Before[i].Minutes > p.Before[j].Minutes })
	sort.Slice(p.After, func(i, j int) bool { return p.After[i].Minutes < p.After[j].Minutes })
}

// CalculateRate implements models.FeePolicy. Past the last After tier the highest
// step applies until the deadline check rejects the request.
func (p *TieredPolicy) CalculateRate(departure, _ time.Time, now time.Time) float64 {
	if now.Before(departure) {
		lead := int(departure.Sub(now) / time.Minute)
		for _, t := range p.Before {
			if lead >= t.Minutes {
				return t.Rate
			}
		}
		return p.Before[len(p.Before)-1].Rate
	}
	elapsed := now.Sub(departure)
	for _, t := range p.After {
		if elapsed <= time.Duration(t.Minutes)*time.Minute {
			return t.Rate
		}
	}
	return p.After[len(p.After)-1].Rate
}
