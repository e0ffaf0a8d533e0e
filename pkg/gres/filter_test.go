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
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/clustersched/gres-select/pkg/bitmap"
)

// scenario 2: 2 sockets, 4 GPUs (2/socket), socket 0 has no available
// cores, enforce_binding=true, gres_per_socket=1.
func TestRemoveUnusable_SocketBindingPrune(t *testing.T) {
	job := &JobGresRequest{Kind: Kind{Name: "gpu"}, GresPerSocket: 1}
	node := &NodeGresState{Kind: Kind{Name: "gpu"}, CntAvail: 4}
	sg := &SockGres{
		Job: job, Node: node,
		TotalCnt:  4,
		SockCnt:   2,
		CntBySock: []uint64{2, 2},
	}

	coreBitmap := bitmap.New(8) // 2 sockets * 4 cores/socket
	for i := 4; i < 8; i++ {
		coreBitmap.Set(i) // only socket 1 has allocated cores
	}

	st, _, _ := RemoveUnusable([]*SockGres{sg}, FilterParams{
		MaxCPUs:        8,
		EnforceBinding: true,
		CoreBitmap:     coreBitmap,
		Sockets:        2,
		CoresPerSocket: 4,
		CPUsPerCore:    1,
		SockPerNode:    2,
		TaskPerNode:    NoVal16,
		NodeName:       "node0",
	})
	require.True(t, st.IsSuccess())
	assert.Equal(t, uint64(0), sg.CntBySock[0])
	assert.Equal(t, uint64(2), sg.CntBySock[1])
	assert.Equal(t, uint64(2), sg.TotalCnt)
}

func TestRemoveUnusable_InsufficientCPUsRejects(t *testing.T) {
	job := &JobGresRequest{Kind: Kind{Name: "gpu"}, GresPerNode: 4, CPUsPerGres: 10}
	node := &NodeGresState{Kind: Kind{Name: "gpu"}, CntAvail: 4}
	sg := &SockGres{Job: job, Node: node, TotalCnt: 4, SockCnt: 1}

	st, _, _ := RemoveUnusable([]*SockGres{sg}, FilterParams{
		MaxCPUs:     8, // 8/10 cpus_per_gres == 0 gres fit
		SockPerNode: NoVal32,
		TaskPerNode: NoVal16,
		NodeName:    "node0",
	})
	assert.False(t, st.IsSuccess())
}

func TestRemoveUnusable_InsufficientCountRejects(t *testing.T) {
	job := &JobGresRequest{Kind: Kind{Name: "gpu"}, GresPerNode: 4}
	node := &NodeGresState{Kind: Kind{Name: "gpu"}, CntAvail: 2}
	sg := &SockGres{Job: job, Node: node, TotalCnt: 2, SockCnt: 1}

	st, _, _ := RemoveUnusable([]*SockGres{sg}, FilterParams{
		MaxCPUs:     8,
		SockPerNode: NoVal32,
		TaskPerNode: NoVal16,
		NodeName:    "node0",
	})
	assert.False(t, st.IsSuccess())
}

func TestRemoveUnusable_SharingKindAccumulatesGpus(t *testing.T) {
	// No counters set (and no CntBySock/MaxNodeGres cap in play) so
	// near_gpus tracks avail_gpus exactly: both are the node's total_cnt.
	job := &JobGresRequest{Kind: Kind{Name: "gpu"}}
	node := &NodeGresState{Kind: Kind{Name: "gpu", Sharing: true}, CntAvail: 4}
	sg := &SockGres{Job: job, Node: node, TotalCnt: 4, SockCnt: 1}

	st, avail, near := RemoveUnusable([]*SockGres{sg}, FilterParams{
		MaxCPUs:     8,
		SockPerNode: NoVal32,
		TaskPerNode: NoVal16,
		NodeName:    "node0",
	})
	require.True(t, st.IsSuccess())
	assert.Equal(t, uint64(4), avail)
	assert.Equal(t, uint64(4), near)
}

// Without enforce_binding, near_gres_cnt must be total_cnt minus the
// unavailable sockets' shares, not the sum of only the available
// sockets' shares — these differ whenever bits_any_sock contributes to
// total_cnt beyond what cnt_by_sock accounts for.
func TestRemoveUnusable_NearGpusWithoutBindingSubtractsUnavailable(t *testing.T) {
	job := &JobGresRequest{Kind: Kind{Name: "gpu"}}
	node := &NodeGresState{Kind: Kind{Name: "gpu", Sharing: true}, CntAvail: 5}
	sg := &SockGres{
		Job: job, Node: node,
		TotalCnt:  5, // 4 socket-affine units + 1 "any" unit
		SockCnt:   2,
		CntBySock: []uint64{2, 2},
	}

	coreBitmap := bitmap.New(8) // 2 sockets * 4 cores/socket
	for i := 4; i < 8; i++ {
		coreBitmap.Set(i) // only socket 1 has allocated cores
	}

	st, avail, near := RemoveUnusable([]*SockGres{sg}, FilterParams{
		MaxCPUs:        8,
		EnforceBinding: false,
		CoreBitmap:     coreBitmap,
		Sockets:        2,
		CoresPerSocket: 4,
		CPUsPerCore:    1,
		SockPerNode:    NoVal32,
		TaskPerNode:    NoVal16,
		NodeName:       "node0",
	})
	require.True(t, st.IsSuccess())
	assert.Equal(t, uint64(5), avail)
	assert.Equal(t, uint64(3), near) // 5 total - 2 (socket 0's unavailable share)
	// enforce_binding was not set, so cnt_by_sock/total_cnt are untouched.
	assert.Equal(t, uint64(5), sg.TotalCnt)
	assert.Equal(t, uint64(2), sg.CntBySock[0])
}

// near_gpus never exceeds max_node_gres (here, the cap implied by
// mem_per_gres). That cap also limits total_cnt, so near_gres_cnt and
// max_node_gres are both 3 and near_gpus stays at 3.
func TestRemoveUnusable_NearGpusClampedByMaxNodeGres(t *testing.T) {
	job := &JobGresRequest{Kind: Kind{Name: "gpu"}, MemPerGres: 1}
	node := &NodeGresState{Kind: Kind{Name: "gpu", Sharing: true}, CntAvail: 10}
	sg := &SockGres{Job: job, Node: node, TotalCnt: 10, SockCnt: 1}
	availMem := resource.MustParse("3")

	st, avail, near := RemoveUnusable([]*SockGres{sg}, FilterParams{
		AvailMem:    &availMem,
		MaxCPUs:     8,
		SockPerNode: NoVal32,
		TaskPerNode: NoVal16,
		NodeName:    "node0",
	})
	require.True(t, st.IsSuccess())
	assert.Equal(t, uint64(3), avail) // total_cnt capped to avail_mem/mem_per_gres
	assert.Equal(t, uint64(3), near)  // near_gres_cnt clamped to max_node_gres == 3
}

// min_gres always floors at 1, even for a gres_per_job-only request
// (which is never itself a term in the min_gres formula): a
// zero-capacity node must still be rejected rather than handed to the
// by-job pickers, which could place nothing on it.
func TestRemoveUnusable_MinGresFloorRejectsZeroCapacityPerJobOnly(t *testing.T) {
	job := &JobGresRequest{Kind: Kind{Name: "gpu"}, GresPerJob: 5}
	node := &NodeGresState{Kind: Kind{Name: "gpu"}, CntAvail: 0}
	sg := &SockGres{Job: job, Node: node, TotalCnt: 0, SockCnt: 1}

	st, _, _ := RemoveUnusable([]*SockGres{sg}, FilterParams{
		MaxCPUs:     8,
		SockPerNode: NoVal32,
		TaskPerNode: NoVal16,
		NodeName:    "node0",
	})
	assert.False(t, st.IsSuccess())
}

// max_node_gres tightens toward the smaller of the current cap and a
// newly-derived one; a mem_per_gres-derived cap must survive a larger
// gres_per_job rather than being widened by it.
func TestRemoveUnusable_MaxNodeGresCapTakesMinimum(t *testing.T) {
	job := &JobGresRequest{Kind: Kind{Name: "gpu"}, MemPerGres: 1, GresPerJob: 10}
	node := &NodeGresState{Kind: Kind{Name: "gpu"}, CntAvail: 20}
	sg := &SockGres{Job: job, Node: node, TotalCnt: 20, SockCnt: 1}
	availMem := resource.MustParse("3")

	st, _, _ := RemoveUnusable([]*SockGres{sg}, FilterParams{
		AvailMem:    &availMem,
		MaxCPUs:     8,
		SockPerNode: NoVal32,
		TaskPerNode: NoVal16,
		NodeName:    "node0",
	})
	require.True(t, st.IsSuccess())
	assert.Equal(t, uint64(3), sg.MaxNodeGres)
}
