// Copyright 2022 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package perfcounter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterSetReset(t *testing.T) {
	var c CounterSet
	c.Query.Total.Add(3)
	c.Dismantle.FragmentsKept.Add(5)
	c.Cache.Hits.Add(7)
	c.Admission.PermitsIssued.Add(11)

	c.Reset()

	assert.Equal(t, int64(0), c.Query.Total.Load())
	assert.Equal(t, int64(0), c.Dismantle.FragmentsKept.Load())
	assert.Equal(t, int64(0), c.Cache.Hits.Load())
	assert.Equal(t, int64(0), c.Admission.PermitsIssued.Load())
}

func TestCounterSetConcurrentAdd(t *testing.T) {
	var c CounterSet
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Query.Total.Add(1)
				c.Dismantle.BytesKept.Add(2)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(16000), c.Query.Total.Load())
	assert.Equal(t, int64(32000), c.Dismantle.BytesKept.Load())
}
