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

	"github.com/clustersched/gres-select/pkg/bitmap"
)

// pickGresTopo is the shared greedy bit-setter behind all five
// topology pickers (C5). It walks candidates in link-sorted order
// when link counts are available for node, else in ascending index
// order, skipping units not in allowed, already chosen for this job
// on this node, or already allocated on the node. After every set, if
// link counts are available it recomputes link weights toward every
// still-unselected unit and restarts the scan from the top — the
// intentional O(k*n log n) "greedy best-connectivity restart".
func pickGresTopo(job *JobGresRequest, node *NodeGresState, nodeIdx int, allowed *bitmap.Bitmap, need uint64, links []int) uint64 {
	if need == 0 || allowed == nil {
		return 0
	}
	job.ensureOutputs()
	bitSelect := job.BitSelect[nodeIdx]
	if bitSelect == nil {
		bitSelect = bitmap.New(node.UnitCount())
		job.BitSelect[nodeIdx] = bitSelect
	}

	useLinks := node.LinksDefined() && links != nil
	var picked uint64
	for picked < need {
		order := candidateOrder(allowed, useLinks, links)
		progressed := false
		for _, g := range order {
			if bitSelect.Test(g) {
				continue
			}
			if node.BitAlloc != nil && node.BitAlloc.Test(g) {
				continue
			}
			bitSelect.Set(g)
			picked++
			progressed = true
			if useLinks {
				for h := 0; h < node.UnitCount(); h++ {
					if h == g || bitSelect.Test(h) {
						continue
					}
					links[h] += node.LinksCnt[g][h]
				}
			}
			break // restart scan from the top; order may have changed
		}
		if !progressed || picked >= need {
			break
		}
	}
	return picked
}

func candidateOrder(allowed *bitmap.Bitmap, useLinks bool, links []int) []int {
	idxs := allowed.ToSlice()
	if !useLinks {
		return idxs
	}
	sort.SliceStable(idxs, func(i, j int) bool {
		return links[idxs[i]] > links[idxs[j]]
	})
	return idxs
}

// pickGresPerNode implements the by-node strategy (§4.3 By-node):
// three passes over gres_per_node — one per allocated socket, more
// from allocated sockets, then from unallocated sockets — each
// alternating with an ANY fallback.
func pickGresPerNode(job *JobGresRequest, node *NodeGresState, nodeIdx int, sg *SockGres, usedSock []bool, need uint64) uint64 {
	links := newLinksScratch(node)
	var total uint64

	// Pass 1: one unit per allocated socket.
	for s := 0; s < sg.SockCnt && total < need; s++ {
		if s >= len(usedSock) || !usedSock[s] || s >= len(sg.BitsBySock) {
			continue
		}
		total += pickGresTopo(job, node, nodeIdx, sg.BitsBySock[s], 1, links)
	}
	if total < need {
		total += pickGresTopo(job, node, nodeIdx, sg.BitsAnySock, need-total, links)
	}

	// Pass 2: more from allocated sockets.
	for total < need {
		progressed := false
		for s := 0; s < sg.SockCnt && total < need; s++ {
			if s >= len(usedSock) || !usedSock[s] || s >= len(sg.BitsBySock) {
				continue
			}
			got := pickGresTopo(job, node, nodeIdx, sg.BitsBySock[s], 1, links)
			if got > 0 {
				total += got
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	if total < need {
		total += pickGresTopo(job, node, nodeIdx, sg.BitsAnySock, need-total, links)
	}

	// Pass 3: unallocated sockets.
	for total < need {
		progressed := false
		for s := 0; s < sg.SockCnt && total < need; s++ {
			if s < len(usedSock) && usedSock[s] {
				continue
			}
			if s >= len(sg.BitsBySock) {
				continue
			}
			got := pickGresTopo(job, node, nodeIdx, sg.BitsBySock[s], 1, links)
			if got > 0 {
				total += got
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	if total < need {
		total += pickGresTopo(job, node, nodeIdx, sg.BitsAnySock, need-total, links)
	}

	return total
}

// reshapeUsedSock implements the by-socket reshape pre-pass (§4.3
// By-socket): when the number of allocated sockets differs from the
// requested sockets-per-node, elect additional sockets by free-unit
// popcount, or drop the sockets with the fewest free units, until the
// used-socket count matches targetCount. "Free" excludes units already
// set in bitAlloc (gres_bit_alloc), per gres_select_filter.c:693-697;
// a socket whose free count is below gresPerSocket is never elected
// (gres_select_filter.c:698-700). Operates on and returns a private
// copy; the caller's usedSock is never mutated.
func reshapeUsedSock(usedSock []bool, bitsBySock []*bitmap.Bitmap, bitAlloc *bitmap.Bitmap, gresPerSocket uint64, targetCount int) []bool {
	reshaped := make([]bool, len(usedSock))
	copy(reshaped, usedSock)

	actual := 0
	for _, u := range reshaped {
		if u {
			actual++
		}
	}
	if targetCount <= 0 || actual == targetCount {
		return reshaped
	}

	freeOf := func(i int) int {
		if i >= len(bitsBySock) || bitsBySock[i] == nil {
			return 0
		}
		return bitsBySock[i].Count() - bitsBySock[i].Overlap(bitAlloc)
	}

	type cand struct {
		idx  int
		free int
	}

	if actual < targetCount {
		var cands []cand
		for i, u := range reshaped {
			if !u && i < len(bitsBySock) {
				free := freeOf(i)
				if uint64(free) < gresPerSocket {
					continue
				}
				cands = append(cands, cand{i, free})
			}
		}
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].free > cands[j].free })
		for _, c := range cands {
			if actual >= targetCount {
				break
			}
			reshaped[c.idx] = true
			actual++
		}
		return reshaped
	}

	var cands []cand
	for i, u := range reshaped {
		if u && i < len(bitsBySock) {
			cands = append(cands, cand{i, freeOf(i)})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].free < cands[j].free })
	for _, c := range cands {
		if actual <= targetCount {
			break
		}
		reshaped[c.idx] = false
		actual--
	}
	return reshaped
}

// pickGresPerSocket implements the by-socket strategy (§4.3
// By-socket).
func pickGresPerSocket(job *JobGresRequest, node *NodeGresState, nodeIdx int, sg *SockGres, usedSock []bool, socketsPerNode int, need uint64) uint64 {
	reshaped := reshapeUsedSock(usedSock, sg.BitsBySock, node.BitAlloc, need, socketsPerNode)
	links := newLinksScratch(node)
	var total uint64
	for s := 0; s < sg.SockCnt; s++ {
		if s >= len(reshaped) || !reshaped[s] || s >= len(sg.BitsBySock) {
			continue
		}
		got := pickGresTopo(job, node, nodeIdx, sg.BitsBySock[s], need, links)
		total += got
		if got < need {
			total += pickGresTopo(job, node, nodeIdx, sg.BitsAnySock, need-got, links)
		}
	}
	return total
}

// pickGresPerTask implements the by-task strategy (§4.3 By-task).
func pickGresPerTask(job *JobGresRequest, node *NodeGresState, nodeIdx int, sg *SockGres, tasksPerSocket []uint32, gresPerTask uint64) uint64 {
	links := newLinksScratch(node)
	var tasksOnNode uint64
	for _, t := range tasksPerSocket {
		tasksOnNode += uint64(t)
	}
	need := tasksOnNode * gresPerTask
	var total uint64

	for s := 0; s < len(tasksPerSocket) && total < need; s++ {
		if s >= len(sg.BitsBySock) || tasksPerSocket[s] == 0 {
			continue
		}
		want := minU64(need-total, uint64(tasksPerSocket[s])*gresPerTask)
		total += pickGresTopo(job, node, nodeIdx, sg.BitsBySock[s], want, links)
	}
	if total < need {
		total += pickGresTopo(job, node, nodeIdx, sg.BitsAnySock, need-total, links)
	}
	for s := 0; s < sg.SockCnt && total < need; s++ {
		if s >= len(sg.BitsBySock) {
			continue
		}
		total += pickGresTopo(job, node, nodeIdx, sg.BitsBySock[s], need-total, links)
	}
	return total
}

// setJobBits1 implements the by-job pass-1 strategy (§4.3 By-job pass
// 1). It mutates job.TotalGres directly and reports fini == true iff
// total_gres >= gres_per_job after this node's contribution.
func setJobBits1(job *JobGresRequest, node *NodeGresState, nodeIdx int, sg *SockGres, usedSock []bool, remNodes int) (picked uint64, fini bool) {
	if remNodes < 1 {
		remNodes = 1
	}
	maxGres := int64(job.GresPerJob) - int64(job.TotalGres) - int64(remNodes-1)
	if maxGres < 0 {
		maxGres = 0
	}
	if job.CPUsPerGres != 0 {
		cap64 := int64(sg.MaxNodeGres)
		if sg.MaxNodeGres != 0 && cap64 < maxGres {
			maxGres = cap64
		}
	}

	useLinks := node.LinksDefined()
	var pickGres uint64
	if useLinks && maxGres > 1 {
		pickGres = NoVal16Wide
	} else {
		pickGres = uint64(maxGres)
		if pickGres < 1 {
			pickGres = 1
		}
	}

	links := newLinksScratch(node)
	var total uint64

	for s := 0; s < sg.SockCnt && total < pickGres; s++ {
		if s >= len(usedSock) || !usedSock[s] || s >= len(sg.BitsBySock) {
			continue
		}
		total += pickGresTopo(job, node, nodeIdx, sg.BitsBySock[s], pickGres-total, links)
	}
	if total < pickGres {
		total += pickGresTopo(job, node, nodeIdx, sg.BitsAnySock, pickGres-total, links)
	}
	if total == 0 {
		for s := 0; s < sg.SockCnt && total < pickGres; s++ {
			if s < len(usedSock) && usedSock[s] {
				continue
			}
			if s >= len(sg.BitsBySock) {
				continue
			}
			total += pickGresTopo(job, node, nodeIdx, sg.BitsBySock[s], pickGres-total, links)
		}
	}

	if total > uint64(maxGres) {
		pruneExcess(job, node, nodeIdx, int(total)-int(maxGres))
		total = uint64(maxGres)
	}

	job.TotalGres += total
	return total, job.TotalGres >= job.GresPerJob
}

// NoVal16Wide is NoVal16 widened to uint64, used as the "pick all that
// fit, then prune" sentinel inside setJobBits1.
const NoVal16Wide = uint64(NoVal16)

// pruneExcess implements the pass-1 pruning step: find the chosen
// index with the highest total link weight to the rest of the chosen
// set, then repeatedly clear the chosen index with the lowest link
// weight to that anchor until the chosen count drops by n.
func pruneExcess(job *JobGresRequest, node *NodeGresState, nodeIdx int, n int) {
	if n <= 0 {
		return
	}
	bitSelect := job.BitSelect[nodeIdx]
	if bitSelect == nil || !node.LinksDefined() {
		// Without link data there is no connectivity criterion;
		// clear the highest indices first (stable, deterministic).
		idxs := bitSelect.ToSlice()
		for i := len(idxs) - 1; i >= 0 && n > 0; i-- {
			bitSelect.Clear(idxs[i])
			n--
		}
		return
	}

	chosen := bitSelect.ToSlice()
	bestInx, bestLinkCnt := -1, -1
	for _, g := range chosen {
		sum := 0
		for _, h := range chosen {
			if h != g {
				sum += node.LinksCnt[g][h]
			}
		}
		if sum > bestLinkCnt {
			bestLinkCnt = sum
			bestInx = g
		}
	}
	if bestInx < 0 {
		return
	}

	for n > 0 {
		chosen = bitSelect.ToSlice()
		worst, worstLink := -1, -1<<31
		for _, g := range chosen {
			if g == bestInx {
				continue
			}
			link := node.LinksCnt[bestInx][g]
			if worst == -1 || link < worstLink {
				worst = g
				worstLink = link
			}
		}
		if worst == -1 {
			break
		}
		bitSelect.Clear(worst)
		n--
	}
}

// setJobBits2 implements the by-job pass-2 strategy (§4.3 By-job pass
// 2), invoked only after all nodes have run pass 1 and gres_per_job
// remains unmet. It seeds link weights from every already-chosen
// index's affinity to non-allocated units, then calls pickGresTopo per
// socket and ANY until satisfied.
func setJobBits2(job *JobGresRequest, node *NodeGresState, nodeIdx int, sg *SockGres, usedSock []bool) uint64 {
	if job.TotalGres >= job.GresPerJob {
		return 0
	}
	need := job.GresPerJob - job.TotalGres

	links := make([]int, node.UnitCount())
	if node.LinksDefined() {
		bitSelect := job.BitSelect[nodeIdx]
		for _, g := range bitSelect.ToSlice() {
			for h := 0; h < node.UnitCount(); h++ {
				if bitSelect != nil && bitSelect.Test(h) {
					continue
				}
				links[h] += node.LinksCnt[g][h]
			}
		}
	}

	var total uint64
	for s := 0; s < sg.SockCnt && total < need; s++ {
		if s >= len(usedSock) || s >= len(sg.BitsBySock) {
			continue
		}
		total += pickGresTopo(job, node, nodeIdx, sg.BitsBySock[s], need-total, links)
	}
	if total < need {
		total += pickGresTopo(job, node, nodeIdx, sg.BitsAnySock, need-total, links)
	}

	job.TotalGres += total
	job.ensureOutputs()
	job.CntNodeSelect[nodeIdx] += total
	return total
}

func newLinksScratch(node *NodeGresState) []int {
	if !node.LinksDefined() {
		return nil
	}
	return make([]int, node.UnitCount())
}
