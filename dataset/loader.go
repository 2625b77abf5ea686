// Copyright 2025 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dataset

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// LoadCSV reads interactions from a file. See ReadCSV for the format.
func LoadCSV(path, sep string, hasHeader bool) (*InteractionStore, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundf("interaction file %v", path)
		}
		return nil, errors.Trace(err)
	}
	defer file.Close()
	return ReadCSV(file, sep, hasHeader)
}

// ReadCSV reads lines of `user<sep>item[<sep>weight]`. A missing weight
// counts as 1. Blank lines are skipped.
func ReadCSV(r io.Reader, sep string, hasHeader bool) (*InteractionStore, error) {
	store := NewInteractionStore()
	scanner := bufio.NewScanner(r)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		if hasHeader && lineNumber == 1 {
			continue
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, sep)
		if len(fields) < 2 || len(fields) > 3 {
			return nil, errors.NotValidf("line %d: expect 2 or 3 fields but got %d", lineNumber, len(fields))
		}
		userId, itemId := strings.TrimSpace(fields[0]), strings.TrimSpace(fields[1])
		if userId == "" || itemId == "" {
			return nil, errors.NotValidf("line %d: empty user or item id", lineNumber)
		}
		weight := float32(1)
		if len(fields) == 3 {
			value, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 32)
			if err != nil {
				return nil, errors.NotValidf("line %d: weight %q", lineNumber, fields[2])
			}
			weight = float32(value)
		}
		store.Record(userId, itemId, weight)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	return store, nil
}
