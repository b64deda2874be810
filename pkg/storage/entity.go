package storage

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clone returns a deep copy of e's top-level fields. Property values are
// shared.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Properties = maps.Clone(e.Properties)
	return &c
}

// Clone returns a copy of r.
func (r *Relation) Clone() *Relation {
	if r == nil {
		return nil
	}
	c := *r
	c.Properties = maps.Clone(r.Properties)
	return &c
}

// ValidateEntity checks the fields every backend requires.
func ValidateEntity(e *Entity) error {
	if e == nil {
		return ErrInvalidData
	}
	if e.Type == "" {
		return fmt.Errorf("%w: entity type is required", ErrInvalidData)
	}
	return nil
}

// ValidateRelation checks the fields every backend requires.
func ValidateRelation(r *Relation) error {
	if r == nil {
		return ErrInvalidData
	}
	if r.Type == "" {
		return fmt.Errorf("%w: relation type is required", ErrInvalidData)
	}
	if r.SourceID == "" || r.TargetID == "" {
		return fmt.Errorf("%w: relation endpoints are required", ErrInvalidID)
	}
	return nil
}

// PrepareEntityForCreate returns a validated copy of e with id and
// timestamps filled in.
func PrepareEntityForCreate(e *Entity, now time.Time) (*Entity, error) {
	if err := ValidateEntity(e); err != nil {
		return nil, err
	}
	c := e.Clone()
	if c.ID == "" {
		c.ID = EntityID(uuid.NewString())
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	return c, nil
}

// PrepareEntityForUpdate returns the replacement for existing. CreatedAt is
// kept; UpdatedAt moves forward to now unless e already carries a later one.
func PrepareEntityForUpdate(e, existing *Entity, now time.Time) (*Entity, error) {
	if err := ValidateEntity(e); err != nil {
		return nil, err
	}
	c := e.Clone()
	c.CreatedAt = existing.CreatedAt
	if !c.UpdatedAt.After(existing.UpdatedAt) {
		c.UpdatedAt = nextUpdate(existing.UpdatedAt, now)
	}
	return c, nil
}

// PrepareRelationForCreate returns a validated copy of r with id and
// timestamps filled in.
func PrepareRelationForCreate(r *Relation, now time.Time) (*Relation, error) {
	if err := ValidateRelation(r); err != nil {
		return nil, err
	}
	c := r.Clone()
	if c.ID == "" {
		c.ID = RelationID(uuid.NewString())
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	return c, nil
}

// PrepareRelationForUpdate returns the replacement for existing. Endpoints
// cannot change.
func PrepareRelationForUpdate(r, existing *Relation, now time.Time) (*Relation, error) {
	if r == nil || r.Type == "" {
		return nil, fmt.Errorf("%w: relation type is required", ErrInvalidData)
	}
	if (r.SourceID != "" && r.SourceID != existing.SourceID) || (r.TargetID != "" && r.TargetID != existing.TargetID) {
		return nil, fmt.Errorf("%w: relation endpoints cannot change", ErrInvalidData)
	}
	c := r.Clone()
	c.SourceID = existing.SourceID
	c.TargetID = existing.TargetID
	c.CreatedAt = existing.CreatedAt
	if !c.UpdatedAt.After(existing.UpdatedAt) {
		c.UpdatedAt = nextUpdate(existing.UpdatedAt, now)
	}
	return c, nil
}

// nextUpdate returns now, or the instant after prev when the clock has not
// passed it. Every update strictly advances UpdatedAt.
func nextUpdate(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Nanosecond)
}

// MatchesSearch reports whether e satisfies q.
func MatchesSearch(e *Entity, q SearchQuery) bool {
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if q.Name != "" && !strings.Contains(strings.ToLower(e.Name), strings.ToLower(q.Name)) {
		return false
	}
	for k, want := range q.Properties {
		got, ok := e.Properties[k]
		if !ok || !PropertyEqual(got, want) {
			return false
		}
	}
	return true
}

// PropertyEqual compares property values by their printed form, so values
// that went through JSON (float64) still equal their original ints.
func PropertyEqual(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// MatchesRelationType reports whether r's type is in types. An empty list
// matches everything.
func MatchesRelationType(r *Relation, types []string) bool {
	return len(types) == 0 || slices.Contains(types, r.Type)
}

// SortEntities orders entities by id.
func SortEntities(es []*Entity) {
	slices.SortFunc(es, func(a, b *Entity) int { return strings.Compare(string(a.ID), string(b.ID)) })
}

// SortRelations orders relations by id.
func SortRelations(rs []*Relation) {
	slices.SortFunc(rs, func(a, b *Relation) int { return strings.Compare(string(a.ID), string(b.ID)) })
}

// Limit truncates s to n elements when n is positive.
func Limit[T any](s []T, n int) []T {
	if n > 0 && len(s) > n {
		return s[:n]
	}
	return s
}

// NewStats returns Stats with initialized maps.
func NewStats(backend string) Stats {
	return Stats{
		Backend:       backend,
		EntityTypes:   make(map[string]int64),
		RelationTypes: make(map[string]int64),
	}
}
