package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// LimitCalendar maps ISO dates (YYYY-MM-DD) to daily limit entries. At most
// one entry exists per date. The internal model only ever sees this shape;
// the legacy single-object shape is normalized away at ingestion.
type LimitCalendar map[string]DailyLimit

// Resolve returns the entry governing a spend on the given date: an exact
// entry wins; otherwise the most recent entry on or before that date
// governs. Limits stay effective until superseded, so an empty result means
// no limit was ever configured up to that date.
func (c LimitCalendar) Resolve(date Date) (DailyLimit, bool) {
	if entry, ok := c[date.ISO()]; ok {
		return entry, true
	}
	var best DailyLimit
	found := false
	for key, entry := range c {
		d, err := ParseISODate(key)
		if err != nil {
			continue
		}
		if d.After(date.Time) {
			continue
		}
		if !found || d.After(best.Date.Time) {
			best = entry
			found = true
		}
	}
	return best, found
}

// CategoryKey normalizes a category name for counter lookups.
func CategoryKey(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}

var zeroAmountPattern = regexp.MustCompile(`^0+([.,]0+)?$`)

// flexAmount accepts a monetary amount as a JSON number or a decimal string.
type flexAmount struct {
	Money
}

func (a *flexAmount) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		a.Cents = 0
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" || zeroAmountPattern.MatchString(raw) {
			a.Cents = 0
			return nil
		}
		cents, err := ParseDecimalToCents(raw)
		if err != nil {
			return fmt.Errorf("parse amount %q: %w", raw, err)
		}
		a.Cents = cents
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if f < 0 {
		return ErrInvalidAmount
	}
	a.Cents = int64(f*100.0 + 0.5)
	return nil
}

// flexCategory accepts a category either as a bare name string or as an
// object carrying its own sub-cap. Legacy payloads use nombre/limite keys.
type flexCategory struct {
	CategoryLimit
}

func (c *flexCategory) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if strings.HasPrefix(s, `"`) {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		c.Name = strings.TrimSpace(name)
		return nil
	}
	var obj struct {
		Name   string     `json:"name"`
		Cap    flexAmount `json:"cap"`
		Nombre string     `json:"nombre"`
		Limite flexAmount `json:"limite"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	c.Name = strings.TrimSpace(obj.Name)
	c.Cap = obj.Cap.Money
	if c.Name == "" {
		c.Name = strings.TrimSpace(obj.Nombre)
		c.Cap = obj.Limite.Money
	}
	if c.Name == "" {
		return ErrEmptyCategory
	}
	return nil
}

type limitEntryPayload struct {
	Date       string         `json:"date"`
	Limit      *flexAmount    `json:"limit"`
	Categories []flexCategory `json:"categories"`
	Active     *bool          `json:"active"`

	// Legacy single-object shape, meant to apply "from now on".
	Fecha      string         `json:"fecha"`
	Limite     *flexAmount    `json:"limite"`
	Categorias []flexCategory `json:"categorias"`
}

func (p limitEntryPayload) toEntry() (DailyLimit, error) {
	entry := DailyLimit{Active: true}
	dateStr := p.Date
	if dateStr == "" {
		dateStr = p.Fecha
	}
	if strings.TrimSpace(dateStr) == "" {
		return DailyLimit{}, errors.New("missing limit date")
	}
	d, err := ParseISODate(dateStr)
	if err != nil {
		return DailyLimit{}, fmt.Errorf("parse limit date %q: %w", dateStr, err)
	}
	entry.Date = d
	switch {
	case p.Limit != nil:
		entry.Amount = p.Limit.Money
	case p.Limite != nil:
		entry.Amount = p.Limite.Money
	}
	cats := p.Categories
	if len(cats) == 0 {
		cats = p.Categorias
	}
	for _, c := range cats {
		entry.Categories = append(entry.Categories, c.CategoryLimit)
	}
	if p.Active != nil {
		entry.Active = *p.Active
	}
	if err := entry.Validate(); err != nil {
		return DailyLimit{}, err
	}
	return entry, nil
}

// NormalizeLimitEntry parses one limit upsert payload, accepting both the
// calendar-entry shape {date, limit, categories[], active} and the legacy
// {fecha, limite, categorias} shape.
func NormalizeLimitEntry(raw []byte) (DailyLimit, error) {
	var payload limitEntryPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return DailyLimit{}, fmt.Errorf("decode limit payload: %w", err)
	}
	return payload.toEntry()
}

// NormalizeLimitCalendar parses a stored or submitted limit representation.
// It accepts the date-keyed calendar-map shape and, for old records, a
// single legacy object, which becomes a one-entry calendar keyed by its
// own date.
func NormalizeLimitCalendar(raw []byte) (LimitCalendar, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decode limit representation: %w", err)
	}
	if _, legacy := probe["fecha"]; legacy {
		entry, err := NormalizeLimitEntry(raw)
		if err != nil {
			return nil, err
		}
		return LimitCalendar{entry.Date.ISO(): entry}, nil
	}
	if _, modern := probe["date"]; modern {
		entry, err := NormalizeLimitEntry(raw)
		if err != nil {
			return nil, err
		}
		return LimitCalendar{entry.Date.ISO(): entry}, nil
	}
	calendar := make(LimitCalendar, len(probe))
	for key, value := range probe {
		d, err := ParseISODate(key)
		if err != nil {
			return nil, fmt.Errorf("calendar key %q is not a date: %w", key, err)
		}
		var payload limitEntryPayload
		if err := json.Unmarshal(value, &payload); err != nil {
			return nil, fmt.Errorf("decode calendar entry %s: %w", key, err)
		}
		if payload.Date == "" && payload.Fecha == "" {
			payload.Date = key
		}
		entry, err := payload.toEntry()
		if err != nil {
			return nil, fmt.Errorf("calendar entry %s: %w", key, err)
		}
		if entry.Date.ISO() != d.ISO() {
			return nil, fmt.Errorf("calendar entry %s carries mismatched date %s", key, entry.Date.ISO())
		}
		calendar[key] = entry
	}
	return calendar, nil
}
