// Package crate implements the labeled, typed data envelopes that carry
// configuration and payload data between the hub and terminals. A Storage is
// an ordered collection of crates attached to an activity node or a running
// container; it is serialized to JSON only at the persistence boundary.
package crate

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Availability says when a crate is meaningful.
type Availability string

const (
	AvailabilityConfiguration Availability = "configuration"
	AvailabilityRunTime       Availability = "run_time"
	AvailabilityAlways        Availability = "always"
)

// AmbiguousCrateError is returned when a single-crate query matches more
// than one crate.
type AmbiguousCrateError struct {
	ManifestType ManifestType
	Count        int
}

func (e AmbiguousCrateError) Error() string {
	return fmt.Sprintf("storage holds %d crates of manifest type %s, expected exactly one", e.Count, e.ManifestType)
}

// NotFoundError is returned when a single-crate query matches nothing.
type NotFoundError struct {
	ManifestType ManifestType
	Label        string
}

func (e NotFoundError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("no crate labeled %q in storage", e.Label)
	}
	return fmt.Sprintf("no crate of manifest type %s in storage", e.ManifestType)
}

// Crate is a labeled, typed unit of data. Labels are human names and are not
// unique within a storage; the manifest type discriminates the content shape.
type Crate struct {
	ID           string
	Label        string
	Availability Availability
	Content      Manifest
}

// New builds a crate with a fresh id.
func New(label string, content Manifest) Crate {
	return Crate{
		ID:           uuid.New().String(),
		Label:        label,
		Availability: AvailabilityAlways,
		Content:      content,
	}
}

// ManifestType reports the manifest type of the crate's content. Crates with
// nil content decode as RawManifest, so this is always well defined for
// crates that round-tripped through storage.
func (c Crate) ManifestType() ManifestType {
	if c.Content == nil {
		return ""
	}
	return c.Content.ManifestType()
}

type crateJSON struct {
	ID           string          `json:"id"`
	Label        string          `json:"label"`
	ManifestType ManifestType    `json:"manifest_type"`
	Availability Availability    `json:"availability,omitempty"`
	Content      json.RawMessage `json:"content"`
}

// MarshalJSON writes the wire form used both for persistence and for the
// terminal contract.
func (c Crate) MarshalJSON() ([]byte, error) {
	content, err := json.Marshal(c.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal crate %s content: %w", c.ID, err)
	}
	return json.Marshal(crateJSON{
		ID:           c.ID,
		Label:        c.Label,
		ManifestType: c.ManifestType(),
		Availability: c.Availability,
		Content:      content,
	})
}

// UnmarshalJSON decodes the content into the registered manifest struct for
// the declared manifest type. Unknown types are preserved as RawManifest so
// crates written by newer terminals survive a round trip unaltered.
func (c *Crate) UnmarshalJSON(data []byte) error {
	var wire crateJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	content, err := decodeManifest(wire.ManifestType, wire.Content)
	if err != nil {
		return fmt.Errorf("decode crate %s: %w", wire.ID, err)
	}
	c.ID = wire.ID
	c.Label = wire.Label
	c.Availability = wire.Availability
	c.Content = content
	return nil
}

// Storage is an ordered sequence of crates.
type Storage struct {
	Crates []Crate
}

// Add appends a crate, keeping insertion order.
func (s *Storage) Add(crates ...Crate) {
	s.Crates = append(s.Crates, crates...)
}

// RemoveByLabel drops every crate with the given label and reports how many
// were removed.
func (s *Storage) RemoveByLabel(label string) int {
	return s.removeIf(func(c Crate) bool { return c.Label == label })
}

// RemoveByManifestType drops every crate of the given manifest type.
func (s *Storage) RemoveByManifestType(mt ManifestType) int {
	return s.removeIf(func(c Crate) bool { return c.ManifestType() == mt })
}

func (s *Storage) removeIf(match func(Crate) bool) int {
	kept := s.Crates[:0]
	removed := 0
	for _, c := range s.Crates {
		if match(c) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	s.Crates = kept
	return removed
}

// ReplaceByLabel swaps the first crate sharing the new crate's label, or
// appends when no crate carries that label yet.
func (s *Storage) ReplaceByLabel(c Crate) {
	for i := range s.Crates {
		if s.Crates[i].Label == c.Label {
			s.Crates[i] = c
			return
		}
	}
	s.Add(c)
}

// OfType returns the crates of the given manifest type in storage order.
func (s *Storage) OfType(mt ManifestType) []Crate {
	var out []Crate
	for _, c := range s.Crates {
		if c.ManifestType() == mt {
			out = append(out, c)
		}
	}
	return out
}

// ByLabel returns the crates carrying the given label in storage order.
func (s *Storage) ByLabel(label string) []Crate {
	var out []Crate
	for _, c := range s.Crates {
		if c.Label == label {
			out = append(out, c)
		}
	}
	return out
}

// SingleOfType returns the only crate of the given manifest type. It fails
// loudly on ambiguity instead of silently picking one.
func (s *Storage) SingleOfType(mt ManifestType) (Crate, error) {
	matches := s.OfType(mt)
	switch len(matches) {
	case 0:
		return Crate{}, NotFoundError{ManifestType: mt}
	case 1:
		return matches[0], nil
	default:
		return Crate{}, AmbiguousCrateError{ManifestType: mt, Count: len(matches)}
	}
}

// Len reports the number of crates in storage.
func (s *Storage) Len() int { return len(s.Crates) }

// Clone returns a deep-enough copy: the crate slice is copied, manifests are
// treated as immutable values.
func (s *Storage) Clone() Storage {
	out := Storage{Crates: make([]Crate, len(s.Crates))}
	copy(out.Crates, s.Crates)
	return out
}

type storageJSON struct {
	Crates []Crate `json:"crates"`
}

// MarshalJSON keeps the stored form stable even for empty storages.
func (s Storage) MarshalJSON() ([]byte, error) {
	crates := s.Crates
	if crates == nil {
		crates = []Crate{}
	}
	return json.Marshal(storageJSON{Crates: crates})
}

func (s *Storage) UnmarshalJSON(data []byte) error {
	var wire storageJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	s.Crates = wire.Crates
	return nil
}

// Parse decodes a serialized storage column. An empty column yields an empty
// storage.
func Parse(raw string) (Storage, error) {
	var s Storage
	if raw == "" {
		return s, nil
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Storage{}, fmt.Errorf("parse crate storage: %w", err)
	}
	return s, nil
}

// Serialize encodes a storage for the persistence column.
func Serialize(s Storage) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("serialize crate storage: %w", err)
	}
	return string(data), nil
}

// Updatable is a scoped mutable view over a serialized storage column:
// decode, mutate in memory, write back in one Commit. The column is never
// left partially written because the save callback receives the fully
// serialized result.
type Updatable struct {
	storage Storage
	save    func(serialized string) error
}

// NewUpdatable decodes raw storage and binds the write-back callback.
func NewUpdatable(raw string, save func(serialized string) error) (*Updatable, error) {
	s, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return &Updatable{storage: s, save: save}, nil
}

// Storage exposes the in-memory view for mutation.
func (u *Updatable) Storage() *Storage { return &u.storage }

// Commit serializes the mutated view and hands it to the save callback.
func (u *Updatable) Commit() error {
	raw, err := Serialize(u.storage)
	if err != nil {
		return err
	}
	return u.save(raw)
}
