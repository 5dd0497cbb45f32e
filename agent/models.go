package agent

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Agent mirrors the agents table. It carries no JSON annotations so the
// presentation layers shape their own payloads.
type Agent struct {
	ID                string
	SubjectID         string
	Email             string
	Profile           Profile
	CommissionPercent decimal.Decimal
	Status            Status
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Profile holds the fields an agent submits during onboarding.
type Profile struct {
	FirstName    string
	LastName     string
	DateOfBirth  *time.Time
	Phone        string
	AddressLine1 string
	AddressLine2 string
	City         string
	State        string
	PostalCode   string
	Country      string
}

// FullName joins first and last name.
func (p Profile) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Address renders the postal address on as few lines as the data needs.
func (p Profile) Address() []string {
	lines := make([]string, 0, 4)
	if p.AddressLine1 != "" {
		lines = append(lines, p.AddressLine1)
	}
	if p.AddressLine2 != "" {
		lines = append(lines, p.AddressLine2)
	}
	cityLine := strings.TrimSpace(strings.Join(nonEmpty(p.City, strings.TrimSpace(p.State+" "+p.PostalCode)), ", "))
	if cityLine != "" {
		lines = append(lines, cityLine)
	}
	if p.Country != "" {
		lines = append(lines, p.Country)
	}
	return lines
}

func nonEmpty(values ...string) []string {
	out := values[:0]
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
