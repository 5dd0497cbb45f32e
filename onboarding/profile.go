package onboarding

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"agentonboard/agent"
	"agentonboard/apperr"
)

// ProfileInput is the submitted profile as it arrives over the wire.
type ProfileInput struct {
	FirstName    string `json:"firstName"`
	LastName     string `json:"lastName"`
	DateOfBirth  string `json:"dateOfBirth"`
	Phone        string `json:"phone"`
	AddressLine1 string `json:"addressLine1"`
	AddressLine2 string `json:"addressLine2"`
	City         string `json:"city"`
	State        string `json:"state"`
	PostalCode   string `json:"postalCode"`
	Country      string `json:"country"`
}

// MinimumAge is the youngest an agent may be on the day of submission.
const MinimumAge = 18

const (
	fieldRequired = "required"
	fieldTooLong  = "too_long"
	fieldInvalid  = "invalid"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9 ()\-.]{7,20}$`)

// ValidateProfile checks in against the profile schema and returns the
// normalized profile, or every field error found. today anchors the age check.
func ValidateProfile(in ProfileInput, today time.Time) (agent.Profile, []apperr.FieldError) {
	var errs []apperr.FieldError
	add := func(field, code, msg string) {
		errs = append(errs, apperr.FieldError{Field: field, Code: code, Message: msg})
	}

	text := func(field, value string, required bool, max int) string {
		v := strings.TrimSpace(value)
		switch {
		case v == "" && required:
			add(field, fieldRequired, field+" is required")
		case utf8.RuneCountInString(v) > max:
			add(field, fieldTooLong, field+" is too long")
		case strings.ContainsAny(v, "\r\n\t"):
			add(field, fieldInvalid, field+" contains control characters")
		}
		return v
	}

	p := agent.Profile{
		FirstName:    text("firstName", in.FirstName, true, 100),
		LastName:     text("lastName", in.LastName, true, 100),
		Phone:        text("phone", in.Phone, false, 20),
		AddressLine1: text("addressLine1", in.AddressLine1, true, 200),
		AddressLine2: text("addressLine2", in.AddressLine2, false, 200),
		City:         text("city", in.City, true, 100),
		State:        text("state", in.State, false, 100),
		PostalCode:   text("postalCode", in.PostalCode, true, 20),
		Country:      text("country", in.Country, true, 100),
	}

	if p.Phone != "" && !phonePattern.MatchString(p.Phone) {
		add("phone", fieldInvalid, "phone must contain 7 to 20 digits or separators")
	}

	dob := strings.TrimSpace(in.DateOfBirth)
	if dob == "" {
		add("dateOfBirth", fieldRequired, "dateOfBirth is required")
	} else if parsed, err := time.Parse(time.DateOnly, dob); err != nil {
		add("dateOfBirth", fieldInvalid, "dateOfBirth must be YYYY-MM-DD")
	} else if y, m, d := today.UTC().Date(); parsed.After(time.Date(y, m, d, 0, 0, 0, 0, time.UTC)) {
		add("dateOfBirth", fieldInvalid, "dateOfBirth is in the future")
	} else if parsed.AddDate(MinimumAge, 0, 0).After(today.UTC()) {
		add("dateOfBirth", fieldInvalid, "agent must be at least 18 years old")
	} else {
		p.DateOfBirth = &parsed
	}

	if len(errs) > 0 {
		return agent.Profile{}, errs
	}
	return p, nil
}
