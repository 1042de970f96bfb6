// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package document implements the shared notebook document: a conflict-free
// replicated data type (CRDT) holding the block layout, block contents, and
// derived dataframes of one notebook.
//
// Every replica of a document converges to the same state regardless of the
// order or duplication of the updates it merges. Local mutations produce
// encoded update payloads that the relay broadcasts to the other instances
// holding the same document; remote updates arrive through ApplyUpdate.
package document

// Variant identifies the type of a block.
type Variant string

// Block variants. The converter switches exhaustively over these; variants
// it does not recognize become inert placeholders, never errors.
const (
	VariantCode          Variant = "code"
	VariantQuery         Variant = "query"
	VariantRichText      Variant = "rich_text"
	VariantTextInput     Variant = "text_input"
	VariantEnumInput     Variant = "enum_input"
	VariantDateInput     Variant = "date_input"
	VariantFileUpload    Variant = "file_upload"
	VariantVisualization Variant = "visualization"
	VariantPivotTable    Variant = "pivot_table"
	VariantWriteback     Variant = "writeback"
	VariantHeader        Variant = "header"
)

// Status is the execution state of a block.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

// Output is a single record in a block's result list.
//
// Results are append-only during a run and replaced wholesale when a new
// run starts.
type Output struct {
	// ID uniquely identifies the record so duplicated updates merge
	// idempotently.
	ID string `json:"id"`

	// Kind is one of "stdout", "stderr", "error", "image", "dataframe".
	Kind string `json:"kind"`

	// Data holds the record payload: text for stdout/stderr/error, base64
	// for images, the dataframe name for dataframe records.
	Data string `json:"data"`

	// MIME is set for image outputs (e.g. image/png).
	MIME string `json:"mime,omitempty"`
}

// TabGroup is one ordered group of block references in the document layout.
type TabGroup struct {
	ID       string   `json:"id"`
	BlockIDs []string `json:"blockIds"`
}

// Column describes one column of a derived dataframe.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Dataframe describes a tabular result derived from running a block.
type Dataframe struct {
	// Name is the logical variable name the dataframe is bound to.
	Name string `json:"name"`

	// BlockID is the block whose execution produced the dataframe.
	BlockID string `json:"blockId"`

	Columns   []Column `json:"columns,omitempty"`
	RowCount  int      `json:"rowCount,omitempty"`
	UpdatedAt int64    `json:"updatedAt,omitempty"`
}

// Block is the materialized, read-only view of one block.
//
// Scheduler and converter code reads blocks through this struct; all writes
// go through Document mutators so that every change is stamped and
// broadcast.
type Block struct {
	ID      string  `json:"id"`
	Variant Variant `json:"variant"`
	Status  Status  `json:"status"`

	// Source is the editable code or query text.
	Source string `json:"source,omitempty"`

	// Name is the variable name an input block assigns to, or the binding
	// variable of a query block.
	Name string `json:"name,omitempty"`

	// Value is the current value of a text or date input.
	Value string `json:"value,omitempty"`

	// Options and SelectedValue belong to enum inputs.
	Options       []string `json:"options,omitempty"`
	SelectedValue string   `json:"selectedValue,omitempty"`

	// Title is header text or a user-facing block caption.
	Title string `json:"title,omitempty"`

	// Instructions holds the last AI edit instructions for this block.
	Instructions string `json:"instructions,omitempty"`

	Result []Output `json:"result,omitempty"`

	LastRunSource string `json:"lastRunSource,omitempty"`
	LastRunAt     int64  `json:"lastRunAt,omitempty"`
}

// Key identifies a document replica in the registry.
type Key struct {
	DocumentID string
	Variant    string
	Revision   int
}
