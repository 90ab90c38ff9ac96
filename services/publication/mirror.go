// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package publication

import (
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/sentinel/services/storage/badgerstore"
)

const mirrorKeyPrefix = "publication/"

// BadgerMirror persists audit records to an embedded Badger store so the
// trail survives restarts. Strictly best-effort: the in-memory store is
// authoritative.
type BadgerMirror struct {
	store *badgerstore.Store
}

// NewBadgerMirror wraps an open store.
func NewBadgerMirror(store *badgerstore.Store) *BadgerMirror {
	return &BadgerMirror{store: store}
}

// Save implements Mirror.
func (m *BadgerMirror) Save(action *PublishedAction) error {
	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("marshal published action: %w", err)
	}
	return m.store.Put([]byte(mirrorKeyPrefix+action.PublicationID), data)
}

// Load returns every mirrored record, in storage order.
func (m *BadgerMirror) Load() ([]*PublishedAction, error) {
	var out []*PublishedAction
	err := m.store.Scan([]byte(mirrorKeyPrefix), func(key, value []byte) error {
		var action PublishedAction
		if err := json.Unmarshal(value, &action); err != nil {
			return fmt.Errorf("unmarshal mirrored action %s: %w", key, err)
		}
		out = append(out, &action)
		return nil
	})
	return out, err
}

var _ Mirror = (*BadgerMirror)(nil)
