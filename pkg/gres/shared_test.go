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

func newSharedNode(avail, alloc []uint64) *NodeGresState {
	bits := make([]*bitmap.Bitmap, len(avail))
	typeIDs := make([]uint32, len(avail))
	var total uint64
	for _, a := range avail {
		total += a
	}
	for t := range bits {
		bits[t] = bitmap.New(len(avail))
	}
	return &NodeGresState{
		Kind:         Kind{Name: "gpu", Sharing: true},
		CntAvail:     total,
		TopoCnt:      len(avail),
		TopoCntAvail: avail,
		TopoCntAlloc: alloc,
		TopoBitmap:   bits,
		TopoTypeID:   typeIDs,
	}
}

// scenario 4: 2 topology slots avail=[4,4] alloc=[0,0], gres_per_task=1,
// 2 tasks on socket 0, MULTIPLE_SHARING_GRES_PJ set, no_task_sharing
// true. Slot 0 gets 1 from task 1, slot 1 gets 1 from task 2.
func TestSetSharedTaskBits_NoRepeatAcrossTasks(t *testing.T) {
	node := newSharedNode([]uint64{4, 4}, []uint64{0, 0})
	job := &JobGresRequest{Kind: node.Kind, ConfigFlags: ConfigFlagShared, GresPerTask: 1}
	any := bitmap.NewFromSlice(2, []int{0, 1})
	sg := &SockGres{
		Job: job, Node: node, TotalCnt: 8, SockCnt: 1,
		BitsBySock:  []*bitmap.Bitmap{any},
		BitsAnySock: bitmap.New(2),
	}

	total, st := setSharedTaskBits(job, node, 0, sg, []bool{true}, []uint32{2}, true,
		PolicyFlags{MultipleSharingGresPJ: true}, 1, true, nil)

	require.True(t, st.IsSuccess())
	assert.Equal(t, uint64(2), total)
	assert.Equal(t, uint64(1), job.PerBitSelect[0][0])
	assert.Equal(t, uint64(1), job.PerBitSelect[0][1])
}

// scenario 5: LL_SHARED_GRES set, slots avail=[10,10] alloc=[5,2].
// Per-node need=1: slot 1 chosen (ratio 8/10 > 5/10).
func TestSharedTopoIndex_LeastLoadedFirst(t *testing.T) {
	node := newSharedNode([]uint64{10, 10}, []uint64{5, 2})
	order := sharedTopoIndex(node, PolicyFlags{LLSharedGres: true})
	require.Len(t, order, 2)
	assert.Equal(t, 1, order[0])
	assert.Equal(t, 0, order[1])
}

func TestPickSharedGresTopo_LeastLoadedOrderPicksSlot1(t *testing.T) {
	node := newSharedNode([]uint64{10, 10}, []uint64{5, 2})
	job := &JobGresRequest{Kind: node.Kind, ConfigFlags: ConfigFlagShared}
	allowed := bitmap.NewFromSlice(2, []int{0, 1})
	order := sharedTopoIndex(node, PolicyFlags{LLSharedGres: true})

	taken := pickSharedGresTopo(job, node, 0, false, true, false, allowed, 1, order)
	assert.Equal(t, uint64(1), taken)
	assert.Equal(t, uint64(1), job.PerBitSelect[0][1])
	_, tookFromSlot0 := job.PerBitSelect[0][0]
	assert.False(t, tookFromSlot0)
}

func TestSetSharedNodeBits_FailsWithoutMultipleSharing(t *testing.T) {
	node := newSharedNode([]uint64{1}, []uint64{0})
	job := &JobGresRequest{Kind: node.Kind, ConfigFlags: ConfigFlagShared, GresPerNode: 2}
	sg := &SockGres{
		Job: job, Node: node, TotalCnt: 1, SockCnt: 1,
		BitsBySock:  []*bitmap.Bitmap{bitmap.NewFromSlice(1, []int{0})},
		BitsAnySock: bitmap.New(1),
	}
	_, st := setSharedNodeBits(job, node, 0, sg, []bool{true}, true, PolicyFlags{}, 2, nil)
	assert.False(t, st.IsSuccess())
}
