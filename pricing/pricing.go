// Package pricing computes workers compensation premium estimates for a
// business profile. ComputeQuotes is pure: the same profile always yields the
// same QuoteSet and nothing outside the arguments is read or written.
package pricing

import (
	"errors"
	"fmt"
	"math"
)

const (
	// PayrollRate is the share of total annual payroll charged as base premium.
	PayrollRate = 0.02
	// PerEmployee is the flat base premium charged per employee.
	PerEmployee = 50

	// MaxEmployees and MaxPayroll bound the priced inputs so every premium
	// fits in an int64.
	MaxEmployees = 10_000_000
	MaxPayroll   = 1_000_000_000_000
)

// ErrOutOfRange is returned by Profile.Validate for inputs that cannot be
// priced.
var ErrOutOfRange = errors.New("out of range")

// Profile describes the business being quoted. Employees is a JSON number on
// the wire, so fractional full-time equivalents pass through unchanged.
type Profile struct {
	Name      string
	Owner     string
	Address   string
	Industry  string
	Employees float64
	Payroll   float64
	State     string
	Zip       string
	Email     string
}

// Validate reports whether the numeric inputs are within the priced range.
func (p Profile) Validate() error {
	if err := inRange("number_of_employees", p.Employees, MaxEmployees); err != nil {
		return err
	}
	return inRange("total_payroll", p.Payroll, MaxPayroll)
}

func inRange(field string, v, limit float64) error {
	if math.IsNaN(v) || v < 0 || v > limit {
		return fmt.Errorf("%s %v: %w [0, %v]", field, v, ErrOutOfRange, limit)
	}
	return nil
}

// Carrier is a fixed underwriter with its pricing terms.
type Carrier struct {
	Name       string
	Multiplier float64
	Deductible int64
}

// carriers is in quote order.
var carriers = [3]Carrier{
	{Name: "SafeGuard Insurance", Multiplier: 0.90, Deductible: 1000},
	{Name: "BizProtect Corp", Multiplier: 1.10, Deductible: 500},
	{Name: "WorkerShield", Multiplier: 1.05, Deductible: 750},
}

// Carriers returns the carrier table in quote order.
func Carriers() []Carrier {
	out := make([]Carrier, len(carriers))
	copy(out, carriers[:])
	return out
}

// Quote is one carrier's offer.
type Quote struct {
	Company    string `json:"company"`
	Premium    int64  `json:"premium"`
	Deductible int64  `json:"deductible"`
}

// QuoteSet holds one quote per carrier in carrier order.
type QuoteSet [3]Quote

// BasePremium is the carrier-independent premium before multipliers.
func BasePremium(p Profile) float64 {
	return p.Payroll*PayrollRate + p.Employees*PerEmployee
}

// ComputeQuotes prices the profile with every carrier. Profiles that fail
// Validate yield unspecified premiums.
func ComputeQuotes(p Profile) QuoteSet {
	base := BasePremium(p)

	var qs QuoteSet
	for i, c := range carriers {
		qs[i] = Quote{
			Company:    c.Name,
			Premium:    int64(math.Round(base * c.Multiplier)),
			Deductible: c.Deductible,
		}
	}
	return qs
}
