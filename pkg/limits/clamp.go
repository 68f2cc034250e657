// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package limits applies the bid floor/cap and per-entity or
// per-category overrides to a proposed bid. Overrides only ever narrow
// the global range, never widen it.
package limits

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/adxyz/bidpilot/pkg/core"
)

// Override narrows the allowed bid range for one entity or category.
type Override struct {
	Floor decimal.Decimal
	Cap   decimal.Decimal
}

// Result reports the clamped bid and which bound, if any, clipped it.
type Result struct {
	Bid       decimal.Decimal
	Clamped   bool
	Bound     string // "floor" or "cap" when clamped
	ClippedBy decimal.Decimal
	Detail    string
}

// Resolver holds the global range plus overrides keyed by entity id and
// by category.
type Resolver struct {
	floor             decimal.Decimal
	cap               decimal.Decimal
	entityOverrides   map[string]Override
	categoryOverrides map[string]Override
}

// NewResolver creates a resolver with the global floor and cap.
func NewResolver(floor, cap decimal.Decimal) *Resolver {
	return &Resolver{
		floor:             floor,
		cap:               cap,
		entityOverrides:   make(map[string]Override),
		categoryOverrides: make(map[string]Override),
	}
}

// SetEntityOverride narrows the range for one entity id.
func (r *Resolver) SetEntityOverride(entityID string, o Override) {
	r.entityOverrides[entityID] = o
}

// SetCategoryOverride narrows the range for a catalog category.
func (r *Resolver) SetCategoryOverride(category string, o Override) {
	r.categoryOverrides[category] = o
}

// Range returns the effective floor/cap for an entity. Overrides can only
// tighten: a wider override bound is ignored.
func (r *Resolver) Range(entity core.Entity) (floor, cap decimal.Decimal) {
	floor, cap = r.floor, r.cap
	if o, ok := r.categoryOverrides[entity.Attributes.Category]; ok {
		floor, cap = narrow(floor, cap, o)
	}
	if o, ok := r.entityOverrides[entity.ID]; ok {
		floor, cap = narrow(floor, cap, o)
	}
	return floor, cap
}

// Clamp bounds a proposed bid to the entity's effective range.
func (r *Resolver) Clamp(entity core.Entity, proposed decimal.Decimal) Result {
	floor, cap := r.Range(entity)
	switch {
	case proposed.LessThan(floor):
		return Result{
			Bid:       floor,
			Clamped:   true,
			Bound:     "floor",
			ClippedBy: floor.Sub(proposed),
			Detail:    fmt.Sprintf("proposed %s raised to floor %s", proposed, floor),
		}
	case proposed.GreaterThan(cap):
		return Result{
			Bid:       cap,
			Clamped:   true,
			Bound:     "cap",
			ClippedBy: proposed.Sub(cap),
			Detail:    fmt.Sprintf("proposed %s lowered to cap %s", proposed, cap),
		}
	default:
		return Result{Bid: proposed}
	}
}

func narrow(floor, cap decimal.Decimal, o Override) (decimal.Decimal, decimal.Decimal) {
	if o.Floor.GreaterThan(floor) {
		floor = o.Floor
	}
	if o.Cap.IsPositive() && o.Cap.LessThan(cap) {
		cap = o.Cap
	}
	// A malformed override that inverts the range collapses to the floor.
	if cap.LessThan(floor) {
		cap = floor
	}
	return floor, cap
}
