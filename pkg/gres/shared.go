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
	"sort"

	"k8s.io/klog/v2"

	"github.com/clustersched/gres-select/pkg/bitmap"
	"github.com/clustersched/gres-select/pkg/gres/status"
)

// PolicyFlags carries cluster-wide shared-GRES policy switches (§6).
type PolicyFlags struct {
	// LLSharedGres, when set, orders shared topology slots
	// least-loaded first using the fixed-point ratio in
	// sortSlotsLeastLoaded.
	LLSharedGres bool
	// MultipleSharingGresPJ, when set, allows a job to draw from more
	// than one sharing device per node/task.
	MultipleSharingGresPJ bool
}

func remainingAtSlot(node *NodeGresState, job *JobGresRequest, nodeIdx, t int) uint64 {
	avail := node.TopoCntAvail[t]
	alloc := node.TopoCntAlloc[t]
	used := uint64(0)
	if byNode, ok := job.PerBitSelect[nodeIdx]; ok {
		used = byNode[t]
	}
	if avail < alloc+used {
		return 0
	}
	return avail - alloc - used
}

// sortSlotsLeastLoaded orders topology slot indices by descending
// (avail-alloc)*nodeAvail/topoAvail, integer division throughout, per
// the fixed-point least-loaded ratio (§4.4 Ordering, §9 Fixed-point
// least-loaded ratio). nodeAvail is the node's total gres_cnt_avail
// for this kind.
func sortSlotsLeastLoaded(node *NodeGresState, nodeAvail uint64, slots []int) []int {
	out := make([]int, len(slots))
	copy(out, slots)
	ratio := func(t int) uint64 {
		avail := node.TopoCntAvail[t]
		if avail == 0 {
			return 0
		}
		alloc := node.TopoCntAlloc[t]
		free := uint64(0)
		if avail > alloc {
			free = avail - alloc
		}
		return free * nodeAvail / avail
	}
	sort.SliceStable(out, func(i, j int) bool { return ratio(out[i]) > ratio(out[j]) })
	return out
}

// ensureNodeBitSelect returns job's per-node topology-slot bitmap for
// node, allocating it sized to TopoCnt on first use.
func ensureNodeBitSelect(job *JobGresRequest, node *NodeGresState, nodeIdx int) *bitmap.Bitmap {
	job.ensureOutputs()
	b := job.BitSelect[nodeIdx]
	if b == nil {
		b = bitmap.New(node.TopoCnt)
		job.BitSelect[nodeIdx] = b
	}
	return b
}

// pickSharedGresTopo implements §4.4's single-picker primitive. It
// iterates topoIndex order (or natural order if topoIndex is nil),
// skipping wrong type, busy/idle mismatches, insufficient remaining
// capacity, slots outside the socket's bit set, and (if noRepeat)
// slots already drawn from on this node for this job. It accepts
// slots until need is exhausted or candidates run out, returning the
// amount actually taken.
func pickSharedGresTopo(job *JobGresRequest, node *NodeGresState, nodeIdx int, useBusyDev, useSingleDev, noRepeat bool,
	allowed *bitmap.Bitmap, need uint64, topoIndex []int) uint64 {

	if need == 0 || allowed == nil {
		return 0
	}
	bitSelect := ensureNodeBitSelect(job, node, nodeIdx)
	if job.PerBitSelect[nodeIdx] == nil {
		job.PerBitSelect[nodeIdx] = make(map[int]uint64)
	}

	order := topoIndex
	if order == nil {
		order = make([]int, node.TopoCnt)
		for i := range order {
			order[i] = i
		}
	}

	var taken uint64
	for _, t := range order {
		if taken >= need {
			break
		}
		if job.TypeID != 0 && t < len(node.TopoTypeID) && node.TopoTypeID[t] != job.TypeID {
			continue
		}
		if useBusyDev && node.TopoCntAlloc[t] == 0 {
			continue
		}
		if !allowed.Test(t) {
			continue
		}
		if noRepeat && bitSelect.Test(t) {
			continue
		}
		remaining := remainingAtSlot(node, job, nodeIdx, t)
		minReq := uint64(1)
		if useSingleDev {
			minReq = need - taken
		}
		if remaining < minReq {
			continue
		}

		take := remaining
		if take > need-taken {
			take = need - taken
		}
		bitSelect.Set(t)
		job.PerBitSelect[nodeIdx][t] += take
		taken += take
	}

	return taken
}

// pickSharedGres implements the three-pass shared-GRES layout (§4.4
// Three-pass layout): socket-restricted, then one ANY pass, then (if
// not enforcing binding) the sockets not flagged in usedSock.
func pickSharedGres(job *JobGresRequest, node *NodeGresState, nodeIdx int, sg *SockGres, usedSock []bool,
	useBusyDev, useSingleDev, noRepeat, enforceBinding bool, need uint64, topoIndex []int) uint64 {

	var total uint64
	for s := 0; s < sg.SockCnt && total < need; s++ {
		if s >= len(usedSock) || !usedSock[s] || s >= len(sg.BitsBySock) {
			continue
		}
		total += pickSharedGresTopo(job, node, nodeIdx, useBusyDev, useSingleDev, noRepeat, sg.BitsBySock[s], need-total, topoIndex)
	}
	if total < need {
		total += pickSharedGresTopo(job, node, nodeIdx, useBusyDev, useSingleDev, noRepeat, sg.BitsAnySock, need-total, topoIndex)
	}
	if total < need && !enforceBinding {
		for s := 0; s < sg.SockCnt && total < need; s++ {
			if s < len(usedSock) && usedSock[s] {
				continue
			}
			if s >= len(sg.BitsBySock) {
				continue
			}
			total += pickSharedGresTopo(job, node, nodeIdx, useBusyDev, useSingleDev, noRepeat, sg.BitsBySock[s], need-total, topoIndex)
		}
	}
	return total
}

// setSharedNodeBits implements §4.4's per-node shared layout. It
// tries a single-device-first pass, then — only if the cluster policy
// permits MultipleSharingGresPJ — a second multi-device pass for any
// remainder; otherwise a shortfall is an invalid-shared-request error.
func setSharedNodeBits(job *JobGresRequest, node *NodeGresState, nodeIdx int, sg *SockGres, usedSock []bool,
	enforceBinding bool, policy PolicyFlags, need uint64, topoIndex []int) (uint64, *status.Status) {

	total := pickSharedGres(job, node, nodeIdx, sg, usedSock, false, true, false, enforceBinding, need, topoIndex)
	if total >= need {
		return total, status.NewStatus(status.Success)
	}
	if policy.MultipleSharingGresPJ {
		total += pickSharedGres(job, node, nodeIdx, sg, usedSock, false, false, false, enforceBinding, need-total, topoIndex)
		if total >= need {
			return total, status.NewStatus(status.Success)
		}
	}
	return total, status.NewStatus(status.InvalidGRES, "shared per-node request unsatisfiable without MULTIPLE_SHARING_GRES_PJ")
}

// setSharedTaskBits implements §4.4's per-task shared layout,
// preserving the open-question behavior from SPEC_FULL.md §6 /
// spec.md §9 verbatim: the "ignoring no_task_sharing" diagnostic is
// only logged in the non-MultipleSharingGresPJ branch, where the whole
// node's per-task need is satisfied from a single device and
// no_task_sharing cannot be honored by construction.
func setSharedTaskBits(job *JobGresRequest, node *NodeGresState, nodeIdx int, sg *SockGres, usedSock []bool,
	tasksPerSocket []uint32, enforceBinding bool, policy PolicyFlags, gresPerTask uint64, noTaskSharing bool, topoIndex []int) (uint64, *status.Status) {

	if !policy.MultipleSharingGresPJ {
		var tasksOnNode uint64
		for _, t := range tasksPerSocket {
			tasksOnNode += uint64(t)
		}
		need := tasksOnNode * gresPerTask
		if noTaskSharing {
			klog.V(2).InfoS("no_task_sharing ignored: MULTIPLE_SHARING_GRES_PJ not set, one device serves the whole node")
		}
		total := pickSharedGres(job, node, nodeIdx, sg, usedSock, false, true, false, enforceBinding, need, topoIndex)
		if total < need {
			return total, status.NewStatus(status.InvalidGRES, "shared per-task request unsatisfiable from a single device")
		}
		return total, status.NewStatus(status.Success)
	}

	var total uint64
	for s := 0; s < len(tasksPerSocket); s++ {
		if tasksPerSocket[s] == 0 {
			continue
		}
		oneSock := []bool{}
		for i := range usedSock {
			oneSock = append(oneSock, i == s)
		}
		for task := uint32(0); task < tasksPerSocket[s]; task++ {
			got := pickSharedGres(job, node, nodeIdx, sg, oneSock, false, true, noTaskSharing, enforceBinding, gresPerTask, topoIndex)
			total += got
			if got < gresPerTask {
				return total, status.NewStatus(status.InvalidGRES, "shared per-task request unsatisfiable under no_task_sharing")
			}
		}
	}
	return total, status.NewStatus(status.Success)
}
