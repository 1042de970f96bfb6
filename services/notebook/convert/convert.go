// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package convert maps the ordered block sequence of a document into the
// script representation the execution bridge ships to the compute host.
//
// Conversion is pure: it never mutates the document and never fails.
// Variants the converter does not know how to run become inert placeholder
// units so that a document authored by a newer instance still converts.
package convert

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/sitka/services/notebook/document"
)

// UnitKind classifies one script unit.
type UnitKind string

const (
	// UnitCode is a runnable statement block.
	UnitCode UnitKind = "code"

	// UnitQuery is a runnable statement whose result binds to a variable.
	UnitQuery UnitKind = "query"

	// UnitProse is non-executable narrative text.
	UnitProse UnitKind = "prose"

	// UnitTemplatedProse is narrative text containing variable
	// interpolations the host must render.
	UnitTemplatedProse UnitKind = "templated_prose"

	// UnitAssignment is a variable-assignment statement produced from an
	// input block.
	UnitAssignment UnitKind = "assignment"

	// UnitPlaceholder is an inert unit carrying the variant name of a
	// block the converter cannot run.
	UnitPlaceholder UnitKind = "placeholder"
)

// Unit is one converted block.
type Unit struct {
	BlockID string   `json:"blockId"`
	Kind    UnitKind `json:"kind"`

	// Source is the statement or prose text.
	Source string `json:"source,omitempty"`

	// Binding is the result variable of a query unit.
	Binding string `json:"binding,omitempty"`

	// Variant records the originating block variant for placeholders.
	Variant string `json:"variant,omitempty"`
}

// Script is the ordered unit sequence for one document.
type Script struct {
	Units []Unit `json:"units"`
}

var interpolationPattern = regexp.MustCompile(`\{\{[^}]*\}\}`)

// Convert maps an ordered block sequence to a script, one unit per block.
//
// The input is the document's layout traversal (dangling references already
// skipped), so Convert itself is a straight fold over blocks.
func Convert(blocks []document.Block) Script {
	units := make([]Unit, 0, len(blocks))
	for _, b := range blocks {
		units = append(units, convertBlock(b))
	}
	return Script{Units: units}
}

func convertBlock(b document.Block) Unit {
	switch b.Variant {
	case document.VariantCode:
		return Unit{BlockID: b.ID, Kind: UnitCode, Source: b.Source}

	case document.VariantQuery:
		binding := b.Name
		if binding == "" {
			binding = defaultBinding(b.ID)
		}
		return Unit{BlockID: b.ID, Kind: UnitQuery, Source: b.Source, Binding: binding}

	case document.VariantRichText:
		kind := UnitProse
		if interpolationPattern.MatchString(b.Source) {
			kind = UnitTemplatedProse
		}
		return Unit{BlockID: b.ID, Kind: kind, Source: b.Source}

	case document.VariantTextInput, document.VariantDateInput:
		return Unit{BlockID: b.ID, Kind: UnitAssignment, Source: assignment(b, b.Value)}

	case document.VariantEnumInput:
		return Unit{BlockID: b.ID, Kind: UnitAssignment, Source: assignment(b, b.SelectedValue)}

	default:
		// Header, visualization, pivot, writeback, file upload, and any
		// variant from a newer peer: inert, never an error.
		return Unit{BlockID: b.ID, Kind: UnitPlaceholder, Variant: string(b.Variant)}
	}
}

// assignment renders `name = "value"` with a stable fallback name for
// blocks whose variable was never named.
func assignment(b document.Block, value string) string {
	name := b.Name
	if name == "" {
		name = defaultBinding(b.ID)
	}
	return fmt.Sprintf("%s = %q", sanitizeName(name), value)
}

func defaultBinding(blockID string) string {
	return "input_" + sanitizeName(blockID)
}

// sanitizeName reduces a name to a valid identifier.
func sanitizeName(name string) string {
	var sb strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			sb.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				sb.WriteByte('_')
			}
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	if sb.Len() == 0 {
		return "_"
	}
	return sb.String()
}

// Cut returns the prefix of script ending at, and including, the unit for
// targetBlockID. The second return is false when the target is not in the
// script.
func Cut(script Script, targetBlockID string) (Script, bool) {
	for i, u := range script.Units {
		if u.BlockID == targetBlockID {
			return Script{Units: script.Units[:i+1]}, true
		}
	}
	return Script{}, false
}
