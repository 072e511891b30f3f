// Copyright (c) 2026 John Earle
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

package dedup

import (
	"context"
	"testing"
	"time"
)

// TestMemory_IsNew verifies a key is new once until it expires or is forgotten.
func TestMemory_IsNew(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(time.Hour)
	m.now = func() time.Time { return now }

	if ok, _ := m.IsNew(ctx, "<a@x>"); !ok {
		t.Fatal("first sighting should be new")
	}
	if ok, _ := m.IsNew(ctx, "<a@x>"); ok {
		t.Fatal("second sighting should not be new")
	}

	_ = m.Forget(ctx, "<a@x>")
	if ok, _ := m.IsNew(ctx, "<a@x>"); !ok {
		t.Fatal("forgotten key should be new again")
	}

	now = now.Add(2 * time.Hour)
	if ok, _ := m.IsNew(ctx, "<a@x>"); !ok {
		t.Fatal("expired key should be new again")
	}
}
