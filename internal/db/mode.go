// Copyright 2024 The lmsd Authors.
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

package db

import "fmt"

// AccessMode is the access mode of a transaction.
type AccessMode int

const (
	// Shared mode allows concurrent readers.
	Shared AccessMode = iota + 1

	// Unique mode gives a single writer exclusive access.
	Unique
)

// String implements fmt.Stringer.
func (m AccessMode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Unique:
		return "unique"
	default:
		return fmt.Sprintf("AccessMode(%d)", int(m))
	}
}
