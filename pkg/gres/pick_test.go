/*
Copyright 2024 The ClusterSched Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clustersched/gres-select/pkg/bitmap"
)

// scenario 3: 4 GPUs on one node, links_cnt a clique with
// links_cnt[0][1]=4, others=1, gres_per_job=2, 1 node remaining. Pass
// 1 should pick index 0 then 1 (highest link).
func TestSetJobBits1_PrefersHighestLinkCount(t *testing.T) {
	links := make([][]int, 4)
	for g := range links {
		links[g] = make([]int, 4)
		for h := range links[g] {
			if g != h {
				links[g][h] = 1
			}
		}
	}
	links[0][1] = 4
	links[1][0] = 4

	node := &NodeGresState{
		Kind:     Kind{Name: "gpu"},
		CntAvail: 4,
		BitAlloc: bitmap.New(4),
		LinksCnt: links,
	}
	job := &JobGresRequest{Kind: Kind{Name: "gpu"}, GresPerJob: 2}
	sg := &SockGres{
		Job: job, Node: node,
		TotalCnt:    4,
		SockCnt:     1,
		BitsAnySock: bitmap.NewFromSlice(4, []int{0, 1, 2, 3}),
	}

	picked, fini := setJobBits1(job, node, 0, sg, []bool{false}, 1)
	require.Equal(t, uint64(2), picked)
	assert.True(t, fini)
	bs := job.BitSelect[0]
	assert.True(t, bs.Test(0))
	assert.True(t, bs.Test(1))
	assert.False(t, bs.Test(2))
	assert.False(t, bs.Test(3))
}

func TestReshapeUsedSock_ElectsMoreSockets(t *testing.T) {
	used := []bool{true, false, false, false}
	bits := []*bitmap.Bitmap{
		bitmap.NewFromSlice(4, []int{0}),
		bitmap.NewFromSlice(4, []int{0, 1, 2}),
		bitmap.NewFromSlice(4, []int{0, 1}),
		bitmap.NewFromSlice(4, []int{}),
	}
	reshaped := reshapeUsedSock(used, bits, nil, 0, 3)
	count := 0
	for _, u := range reshaped {
		if u {
			count++
		}
	}
	assert.Equal(t, 3, count)
	assert.True(t, reshaped[1]) // elected first: most free units
	assert.True(t, reshaped[2])
}

func TestReshapeUsedSock_DropsSocketsWithFewestFree(t *testing.T) {
	used := []bool{true, true, true}
	bits := []*bitmap.Bitmap{
		bitmap.NewFromSlice(4, []int{0, 1, 2}),
		bitmap.NewFromSlice(4, []int{0}),
		bitmap.NewFromSlice(4, []int{0, 1}),
	}
	reshaped := reshapeUsedSock(used, bits, nil, 0, 1)
	assert.True(t, reshaped[0])
	assert.False(t, reshaped[1])
	assert.False(t, reshaped[2])
}

func TestReshapeUsedSock_ExcludesAlreadyAllocatedUnits(t *testing.T) {
	// Socket 1 has the most raw affinity bits (3), but two of them are
	// already allocated, leaving only 1 free unit — fewer than socket
	// 2's 2 free units, so socket 2 must be elected instead.
	used := []bool{true, false, false}
	bits := []*bitmap.Bitmap{
		bitmap.NewFromSlice(6, []int{0}),
		bitmap.NewFromSlice(6, []int{1, 2, 3}),
		bitmap.NewFromSlice(6, []int{4, 5}),
	}
	bitAlloc := bitmap.NewFromSlice(6, []int{1, 2})
	reshaped := reshapeUsedSock(used, bits, bitAlloc, 0, 2)
	assert.False(t, reshaped[1])
	assert.True(t, reshaped[2])
}

func TestReshapeUsedSock_RefusesElectionBelowGresPerSocket(t *testing.T) {
	// Socket 1 has only 1 free unit but gresPerSocket requires 2, so
	// it must be skipped even though it is the only candidate.
	used := []bool{true, false}
	bits := []*bitmap.Bitmap{
		bitmap.NewFromSlice(4, []int{0}),
		bitmap.NewFromSlice(4, []int{1}),
	}
	reshaped := reshapeUsedSock(used, bits, nil, 2, 2)
	assert.False(t, reshaped[1])
}

func TestPickGresPerNode_NoTopologyFallbackToAny(t *testing.T) {
	node := &NodeGresState{Kind: Kind{Name: "gpu"}, CntAvail: 4, BitAlloc: bitmap.New(4)}
	job := &JobGresRequest{Kind: Kind{Name: "gpu"}, GresPerNode: 2}
	sg := &SockGres{
		Job: job, Node: node, TotalCnt: 4, SockCnt: 1,
		BitsAnySock: bitmap.NewFromSlice(4, []int{0, 1, 2, 3}),
	}
	picked := pickGresPerNode(job, node, 0, sg, []bool{false}, 2)
	assert.Equal(t, uint64(2), picked)
	assert.Equal(t, 2, job.BitSelect[0].Count())
}
