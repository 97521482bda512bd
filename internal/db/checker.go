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

// checkerEntry is an open transaction recorded by checker.
type checkerEntry struct {
	mode AccessMode
	s    *Session
}

// checker tracks the stack of open transactions of a single Worker.
//
// It is used only in development builds.
type checker struct {
	stack []checkerEntry
}

// canPush checks that a transaction on s may be opened.
//
// All nested transactions of a Worker must belong to the same Session.
func (c *checker) canPush(s *Session) error {
	if len(c.stack) == 0 {
		return nil
	}

	if top := c.stack[len(c.stack)-1]; top.s != s {
		return newMisuseError(
			"begin", "worker %q has an open transaction on session %s; nested transactions must use the same session",
			s.w.name, top.s.id,
		)
	}

	return nil
}

// push records an opened transaction.
func (c *checker) push(mode AccessMode, s *Session) error {
	if err := c.canPush(s); err != nil {
		return err
	}

	c.stack = append(c.stack, checkerEntry{mode: mode, s: s})

	return nil
}

// pop records an ended transaction; it must be the last opened one.
func (c *checker) pop(mode AccessMode, s *Session) error {
	if len(c.stack) == 0 {
		return newMisuseError("end", "no open transactions")
	}

	top := c.stack[len(c.stack)-1]
	if top.mode != mode || top.s != s {
		return newMisuseError(
			"end", "ending %s transaction on session %s, but the last opened is %s transaction on session %s",
			mode, s.id, top.mode, top.s.id,
		)
	}

	c.stack = c.stack[:len(c.stack)-1]

	return nil
}

// checkUnique checks that the innermost open transaction is unique and belongs to s.
func (c *checker) checkUnique(s *Session) error {
	if len(c.stack) == 0 {
		return newMisuseError("check", "unique transaction required, none is open")
	}

	top := c.stack[len(c.stack)-1]

	if top.s != s {
		return newMisuseError("check", "unique transaction required on session %s, open on %s", s.id, top.s.id)
	}

	if top.mode != Unique {
		return newMisuseError("check", "unique transaction required, %s is open", top.mode)
	}

	return nil
}

// checkShared checks that the innermost open transaction belongs to s.
//
// A unique transaction gives shared access too.
func (c *checker) checkShared(s *Session) error {
	if len(c.stack) == 0 {
		return newMisuseError("check", "transaction required, none is open")
	}

	if top := c.stack[len(c.stack)-1]; top.s != s {
		return newMisuseError("check", "transaction required on session %s, open on %s", s.id, top.s.id)
	}

	return nil
}
