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

// Package ingress is the thin delimited-file reader: it
// validates rows and hands typed VocabularyItems to the orchestrator.
package ingress

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Item is one ingested vocabulary record.
type Item struct {
	Position int
	Term     string
	Type     string
}

// abbreviations is the static type-normalization table.
var abbreviations = map[string]string{
	"n":     "noun",
	"v":     "verb",
	"adj":   "adjective",
	"adv":   "adverb",
	"pron":  "pronoun",
	"prep":  "preposition",
	"conj":  "conjunction",
	"intj":  "interjection",
	"noun":  "noun",
	"verb":  "verb",
	"idiom": "idiom",
	"phr":   "phrase",
}

func normalizeType(raw string) string {
	t := strings.ToLower(strings.TrimSpace(raw))
	if t == "" {
		return "unknown"
	}
	if canonical, ok := abbreviations[t]; ok {
		return canonical
	}
	return "unknown"
}

// Read parses a delimited file of (position, term, type?) rows. comma
// selects the field delimiter (',' for CSV, '\t' for TSV).
func Read(r io.Reader, comma rune) ([]Item, error) {
	reader := csv.NewReader(r)
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var items []Item
	lineNo := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ingress: line %d: %w", lineNo+1, err)
		}
		lineNo++
		if len(record) < 2 {
			return nil, fmt.Errorf("ingress: line %d: expected at least (position, term), got %d fields", lineNo, len(record))
		}

		position, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil || position <= 0 {
			return nil, fmt.Errorf("ingress: line %d: invalid position %q", lineNo, record[0])
		}
		term := strings.TrimSpace(record[1])
		if term == "" {
			return nil, fmt.Errorf("ingress: line %d: empty term", lineNo)
		}

		itemType := ""
		if len(record) >= 3 {
			itemType = record[2]
		}
		items = append(items, Item{Position: position, Term: term, Type: normalizeType(itemType)})
	}
	return items, nil
}
