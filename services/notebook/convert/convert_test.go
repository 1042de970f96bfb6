// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package convert

import (
	"reflect"
	"testing"

	"github.com/AleutianAI/sitka/services/notebook/document"
)

func TestConvert_PerVariantUnits(t *testing.T) {
	tests := []struct {
		name  string
		block document.Block
		want  Unit
	}{
		{
			name:  "code block",
			block: document.Block{ID: "a", Variant: document.VariantCode, Source: "x = 1"},
			want:  Unit{BlockID: "a", Kind: UnitCode, Source: "x = 1"},
		},
		{
			name:  "query block binds its variable",
			block: document.Block{ID: "b", Variant: document.VariantQuery, Source: "select 1", Name: "df"},
			want:  Unit{BlockID: "b", Kind: UnitQuery, Source: "select 1", Binding: "df"},
		},
		{
			name:  "query without a name gets a stable binding",
			block: document.Block{ID: "b2", Variant: document.VariantQuery, Source: "select 1"},
			want:  Unit{BlockID: "b2", Kind: UnitQuery, Source: "select 1", Binding: "input_b2"},
		},
		{
			name:  "plain rich text is prose",
			block: document.Block{ID: "c", Variant: document.VariantRichText, Source: "Hello world"},
			want:  Unit{BlockID: "c", Kind: UnitProse, Source: "Hello world"},
		},
		{
			name:  "interpolated rich text is templated prose",
			block: document.Block{ID: "d", Variant: document.VariantRichText, Source: "Total: {{ total }}"},
			want:  Unit{BlockID: "d", Kind: UnitTemplatedProse, Source: "Total: {{ total }}"},
		},
		{
			name:  "text input becomes an assignment",
			block: document.Block{ID: "e", Variant: document.VariantTextInput, Name: "city", Value: "Anchorage"},
			want:  Unit{BlockID: "e", Kind: UnitAssignment, Source: `city = "Anchorage"`},
		},
		{
			name:  "date input becomes an assignment",
			block: document.Block{ID: "f", Variant: document.VariantDateInput, Name: "start", Value: "2025-01-01"},
			want:  Unit{BlockID: "f", Kind: UnitAssignment, Source: `start = "2025-01-01"`},
		},
		{
			name:  "enum input assigns its selected value",
			block: document.Block{ID: "g", Variant: document.VariantEnumInput, Name: "region", SelectedValue: "west", Options: []string{"east", "west"}},
			want:  Unit{BlockID: "g", Kind: UnitAssignment, Source: `region = "west"`},
		},
		{
			name:  "header is an inert placeholder",
			block: document.Block{ID: "h", Variant: document.VariantHeader, Title: "Results"},
			want:  Unit{BlockID: "h", Kind: UnitPlaceholder, Variant: "header"},
		},
		{
			name:  "unknown variant never aborts conversion",
			block: document.Block{ID: "i", Variant: document.Variant("hologram")},
			want:  Unit{BlockID: "i", Kind: UnitPlaceholder, Variant: "hologram"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Convert([]document.Block{tt.block})
			if len(got.Units) != 1 {
				t.Fatalf("expected 1 unit, got %d", len(got.Units))
			}
			if !reflect.DeepEqual(got.Units[0], tt.want) {
				t.Errorf("unit mismatch:\n got %+v\nwant %+v", got.Units[0], tt.want)
			}
		})
	}
}

func TestConvert_PreservesOrder(t *testing.T) {
	blocks := []document.Block{
		{ID: "a", Variant: document.VariantCode, Source: "x = 1"},
		{ID: "b", Variant: document.VariantQuery, Source: "select 1", Name: "df"},
		{ID: "c", Variant: document.VariantCode, Source: "print(x)"},
	}
	script := Convert(blocks)
	if len(script.Units) != 3 {
		t.Fatalf("expected 3 units, got %d", len(script.Units))
	}
	for i, id := range []string{"a", "b", "c"} {
		if script.Units[i].BlockID != id {
			t.Errorf("unit %d: got block %q, want %q", i, script.Units[i].BlockID, id)
		}
	}
}

func TestCut_PrefixEndsAtTarget(t *testing.T) {
	blocks := []document.Block{
		{ID: "a", Variant: document.VariantCode, Source: "x = 1"},
		{ID: "b", Variant: document.VariantQuery, Source: "select 1", Name: "df"},
		{ID: "c", Variant: document.VariantCode, Source: "print(x)"},
	}
	full := Convert(blocks)

	cut, ok := Cut(full, "b")
	if !ok {
		t.Fatal("target not found")
	}
	if len(cut.Units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(cut.Units))
	}
	if cut.Units[len(cut.Units)-1].BlockID != "b" {
		t.Errorf("last unit must be the target, got %q", cut.Units[len(cut.Units)-1].BlockID)
	}
	// Strict prefix of the full conversion.
	if !reflect.DeepEqual(cut.Units, full.Units[:2]) {
		t.Error("cut is not a prefix of the full script")
	}
}

func TestCut_MissingTarget(t *testing.T) {
	full := Convert([]document.Block{{ID: "a", Variant: document.VariantCode}})
	if _, ok := Cut(full, "nope"); ok {
		t.Error("expected ok=false for a target not in the script")
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"city", "city"},
		{"my var", "my_var"},
		{"2fast", "_2fast"},
		{"", "_"},
		{"df-1", "df_1"},
	}
	for _, tt := range tests {
		if got := sanitizeName(tt.in); got != tt.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
