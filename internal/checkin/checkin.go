// Package checkin defines the check-in record produced by decoding relay
// events and the draft a user fills in before publishing one.
package checkin

import (
	"strings"
	"time"

	"github.com/paulmach/orb"

	apperrors "github.com/nostrmeet/nostrmeet/internal/errors"
	"github.com/nostrmeet/nostrmeet/internal/topics"
)

// CheckIn is a decoded, immutable announcement.
type CheckIn struct {
	ID        string        `json:"id"`
	AuthorID  string        `json:"author_id"`
	Cell12    string        `json:"cell12"`
	Cell5     string        `json:"cell5"`
	Location  orb.Point     `json:"location"`
	Topics    topics.Intent `json:"topics"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Name      string        `json:"name"`
	Place     string        `json:"place"`
	Note      string        `json:"note"`
	// Self marks check-ins inserted optimistically after our own publish.
	Self      bool      `json:"self"`
	CreatedAt time.Time `json:"created_at"`
}

// Active reports whether now falls inside the announced window. A missing
// bound is treated as open.
func (c CheckIn) Active(now time.Time) bool {
	if !c.StartTime.IsZero() && now.Before(c.StartTime) {
		return false
	}
	if !c.EndTime.IsZero() && !now.Before(c.EndTime) {
		return false
	}
	return true
}

// Draft is what the user submits for publishing.
type Draft struct {
	Location orb.Point     `json:"location"`
	Name     string        `json:"name"`
	Place    string        `json:"place"`
	Note     string        `json:"note"`
	Topics   topics.Intent `json:"topics"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
}

// Normalize trims the free-text fields.
func (d Draft) Normalize() Draft {
	d.Name = strings.TrimSpace(d.Name)
	d.Place = strings.TrimSpace(d.Place)
	d.Note = strings.TrimSpace(d.Note)
	return d
}

// Validate checks the draft can be published.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return apperrors.New(apperrors.CodeInvalidDraft, "nickname is required", nil)
	}
	lat, lng := d.Location.Lat(), d.Location.Lon()
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return apperrors.Newf(apperrors.CodeInvalidDraft, "location %.6f,%.6f out of range", lat, lng)
	}
	if d.Start.IsZero() || d.End.IsZero() {
		return apperrors.New(apperrors.CodeInvalidDraft, "start and end time are required", nil)
	}
	if !d.End.After(d.Start) {
		return apperrors.New(apperrors.CodeInvalidDraft, "end time must be after start time", nil)
	}
	return nil
}

// Window turns two wall-clock "HH:MM" values on day into a time range. An end
// earlier than the start is taken to be on the following day.
func Window(day time.Time, start, end string) (time.Time, time.Time, error) {
	s, err := clockOn(day, start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	e, err := clockOn(day, end)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if e.Before(s) {
		e = e.AddDate(0, 0, 1)
	}
	return s, e, nil
}

// DefaultWindow starts at now rounded up to the next quarter hour and lasts one hour.
func DefaultWindow(now time.Time) (time.Time, time.Time) {
	const step = 15 * time.Minute
	start := now.Truncate(step)
	if start.Before(now) {
		start = start.Add(step)
	}
	return start, start.Add(time.Hour)
}

func clockOn(day time.Time, hhmm string) (time.Time, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(hhmm))
	if err != nil {
		return time.Time{}, apperrors.New(apperrors.CodeInvalidDraft, "time must be HH:MM", err).WithDetail("value", hhmm)
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, day.Location()), nil
}
