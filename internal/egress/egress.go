// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package egress is the thin delimited-file writer: one row
// per resulting flashcard, emitted by the ordered collector in position
// order.
package egress

import (
	"encoding/csv"
	"io"
	"strconv"
)

// Row is one output record, column order defined here (not part of the
// core contract).
type Row struct {
	Position  int
	Term      string
	TermNo    int
	Tab       string
	Front     string
	Back      string
	Tags      string
	Honorific string
}

// Writer streams Rows to a delimited file.
type Writer struct {
	w         *csv.Writer
	wrote     bool
	headerRow []string
}

// NewWriter builds a Writer with the given delimiter.
func NewWriter(w io.Writer, comma rune) *Writer {
	cw := csv.NewWriter(w)
	cw.Comma = comma
	return &Writer{w: cw, headerRow: []string{"position", "term", "term_number", "tab", "front", "back", "tags", "honorific"}}
}

// WriteRow appends one row, writing the header first if this is the first call.
func (w *Writer) WriteRow(r Row) error {
	if !w.wrote {
		if err := w.w.Write(w.headerRow); err != nil {
			return err
		}
		w.wrote = true
	}
	record := []string{
		strconv.Itoa(r.Position),
		r.Term,
		strconv.Itoa(r.TermNo),
		r.Tab,
		r.Front,
		r.Back,
		r.Tags,
		r.Honorific,
	}
	return w.w.Write(record)
}

// Flush flushes buffered output; callers must check the returned error.
func (w *Writer) Flush() error {
	w.w.Flush()
	return w.w.Error()
}
