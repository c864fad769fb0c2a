/*
 *	Copyright 2025 The gotile Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	// Sets are created empty.
	s := MakeSet[int](10)
	assert.Len(t, s, 0)

	// Check inserting and recovery.
	s.Insert(3, 7)
	assert.Len(t, s, 2)
	assert.True(t, s.Has(3))
	assert.True(t, s.Has(7))
	assert.False(t, s.Has(5))

	s2 := SetWith(5, 7)
	assert.Len(t, s2, 2)
	assert.True(t, s2.Has(5))
	assert.True(t, s2.Has(7))
	assert.False(t, s2.Has(3))

	s3 := s.Sub(s2)
	assert.Len(t, s3, 1)
	assert.True(t, s3.Has(3))

	delete(s, 7)
	assert.Len(t, s, 1)
	assert.True(t, s.Has(3))
	assert.False(t, s.Has(7))
	assert.True(t, s.Equal(s3))
	assert.False(t, s.Equal(s2))
	s4 := SetWith(-3)
	assert.False(t, s.Equal(s4))
}

func TestCeilDiv(t *testing.T) {
	assert.Equal(t, 1, CeilDiv(1, 16))
	assert.Equal(t, 1, CeilDiv(16, 16))
	assert.Equal(t, 2, CeilDiv(17, 16))
	assert.Equal(t, 8, CeilDiv(120, 16))
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, 0, AlignUp(0, 128))
	assert.Equal(t, 128, AlignUp(1, 128))
	assert.Equal(t, 128, AlignUp(128, 128))
	assert.Equal(t, 256, AlignUp(129, 128))
}

func TestIsPowerOfTwo(t *testing.T) {
	assert.False(t, IsPowerOfTwo(0))
	assert.True(t, IsPowerOfTwo(1))
	assert.True(t, IsPowerOfTwo(64))
	assert.False(t, IsPowerOfTwo(48))
	assert.False(t, IsPowerOfTwo(-2))
}

func TestProd(t *testing.T) {
	assert.Equal(t, 1, Prod[int](nil))
	assert.Equal(t, 24, Prod([]int{2, 3, 4}))
}
