// Package profile holds the ShareData model exchanged between friends.
//
// The JSON form uses single-letter keys, matching what every campuslink
// client puts on the wire:
//
//	{"u":"alice","r":"21BCE1234","s":5,"h":["chess"],"q":["..."],
//	 "t":"2026-01-05T10:00:00Z","o":[{"d":1,"s":"t","p":3,"f":"CSE1001"}]}
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Slot kinds.
const (
	KindTheory = "t"
	KindLab    = "l"
)

// Bounds for slot fields.
const (
	MinDay    = 1
	MaxDay    = 7
	MinPeriod = 1
	MaxPeriod = 12
)

var (
	// ErrInvalid is wrapped by every validation failure.
	ErrInvalid = errors.New("invalid profile")

	// ErrMissingField is returned by Unmarshal when a required key is absent.
	ErrMissingField = errors.New("missing profile field")
)

// ShareData is the profile payload a user shares with a friend.
type ShareData struct {
	Name         string   `json:"u" yaml:"name"`
	Registration string   `json:"r" yaml:"registration"`
	Semester     int      `json:"s" yaml:"semester"`
	Hobbies      []string `json:"h" yaml:"hobbies"`
	Quotes       []string `json:"q" yaml:"quotes"`
	Timestamp    string   `json:"t" yaml:"timestamp"`
	Slots        []Slot   `json:"o" yaml:"slots"`
}

// Slot is one occupied timetable cell.
type Slot struct {
	Day    int    `json:"d" yaml:"day"`
	Kind   string `json:"s" yaml:"kind"`
	Period int    `json:"p" yaml:"period"`
	Label  string `json:"f" yaml:"label"`
}

// requiredKeys lists the JSON keys a peer must send.
var requiredKeys = []string{"u", "r", "s", "h", "q", "t", "o"}

// Validate checks that the profile is fit to share.
func (sd *ShareData) Validate() error {
	if strings.TrimSpace(sd.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if sd.Semester < 0 {
		return fmt.Errorf("%w: semester must not be negative", ErrInvalid)
	}
	for i, s := range sd.Slots {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("slot %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks the slot's day, kind and period.
func (s Slot) Validate() error {
	if s.Day < MinDay || s.Day > MaxDay {
		return fmt.Errorf("%w: day %d out of range %d-%d", ErrInvalid, s.Day, MinDay, MaxDay)
	}
	if s.Period < MinPeriod || s.Period > MaxPeriod {
		return fmt.Errorf("%w: period %d out of range %d-%d", ErrInvalid, s.Period, MinPeriod, MaxPeriod)
	}
	if s.Kind != KindTheory && s.Kind != KindLab {
		return fmt.Errorf("%w: slot kind %q must be %q or %q", ErrInvalid, s.Kind, KindTheory, KindLab)
	}
	return nil
}

// Clone returns a deep copy. Nil slices become empty so the JSON form
// always carries arrays.
func (sd *ShareData) Clone() *ShareData {
	if sd == nil {
		return nil
	}
	c := *sd
	c.Hobbies = append(make([]string, 0, len(sd.Hobbies)), sd.Hobbies...)
	c.Quotes = append(make([]string, 0, len(sd.Quotes)), sd.Quotes...)
	c.Slots = append(make([]Slot, 0, len(sd.Slots)), sd.Slots...)
	return &c
}

// Equal reports whether two profiles carry the same content.
func (sd *ShareData) Equal(other *ShareData) bool {
	if sd == nil || other == nil {
		return sd == other
	}
	if sd.Name != other.Name || sd.Registration != other.Registration ||
		sd.Semester != other.Semester || sd.Timestamp != other.Timestamp {
		return false
	}
	return equalStrings(sd.Hobbies, other.Hobbies) &&
		equalStrings(sd.Quotes, other.Quotes) &&
		equalSlots(sd.Slots, other.Slots)
}

// Marshal encodes the profile in its wire form.
func Marshal(sd *ShareData) ([]byte, error) {
	if sd == nil {
		return nil, fmt.Errorf("%w: nil profile", ErrInvalid)
	}
	data, err := json.Marshal(sd.Clone())
	if err != nil {
		return nil, fmt.Errorf("encode profile: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a profile received from a peer. All keys must be
// present; unknown keys are ignored.
func Unmarshal(data []byte) (*ShareData, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	for _, k := range requiredKeys {
		if _, ok := keys[k]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingField, k)
		}
	}

	var sd ShareData
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return sd.Clone(), nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalSlots(a, b []Slot) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
