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
	"k8s.io/klog/v2"

	"github.com/clustersched/gres-select/pkg/bitmap"
	"github.com/clustersched/gres-select/pkg/gres/status"
)

// MultiCoreOptions mirrors the multi-core launch options consumed
// read-only from the job/task layout (§6).
type MultiCoreOptions struct {
	NTasksPerJob    uint32
	NTasksPerNode   uint32 // NoVal32 if unset
	NTasksPerSocket uint32 // NoVal32 if unset
	NTasksPerCore   uint32 // NoVal32 if unset
	CPUsPerTask     uint16
	SocketsPerNode  int
}

// NodeInput bundles one allocated node's topology facts needed by the
// orchestrator: its socket/core geometry and the job's core bitmap
// restricted to this node.
type NodeInput struct {
	NodeIdx        int
	NodeName       string
	CoreBitmap     *bitmap.Bitmap
	Sockets        int
	CoresPerSocket int
	CPUsPerCore    int
	CPUsPerNode    int
	TasksPerNode   uint32 // job_res.tasks_per_node[idx]; NoVal32 if unset
	NoTaskSharing  bool
	SockGresList   []*SockGres
}

// JobFiniState is the tri-valued per-job-counter completion state
// from §9: Unset (no per_job kind seen yet, vacuously satisfied),
// Unmet (at least one per_job kind is short), Met (the per_job kinds
// seen so far are all satisfied). The orchestrator's combining rule is
// "if previously Unmet, stay Unmet; otherwise adopt the new value" —
// a single unmet kind holds back all kinds until the pass-2 rescue.
type JobFiniState int

const (
	JobFiniUnset JobFiniState = -1
	JobFiniUnmet JobFiniState = 0
	JobFiniMet   JobFiniState = 1
)

func combineFini(prev JobFiniState, next bool) JobFiniState {
	if prev == JobFiniUnmet {
		return JobFiniUnmet
	}
	if next {
		return JobFiniMet
	}
	return JobFiniUnmet
}

// usedSockInfo is the lazily-computed per-node socket-usage summary
// (§4.5 step 1).
type usedSockInfo struct {
	usedSock    []bool
	usedSockCnt int
	sockCnt     int
}

func computeUsedSock(n NodeInput) usedSockInfo {
	info := usedSockInfo{usedSock: make([]bool, n.Sockets), sockCnt: n.Sockets}
	for s := 0; s < n.Sockets; s++ {
		lo := s * n.CoresPerSocket
		hi := lo + n.CoresPerSocket
		if n.CoreBitmap != nil && n.CoreBitmap.CountRange(lo, hi) > 0 {
			info.usedSock[s] = true
			info.usedSockCnt++
		}
	}
	return info
}

// SelectAndSet implements the orchestrator (C7 / §4.5): for each
// allocated node, dispatch every sock_gres record to the appropriate
// C5/C6 strategy, then run the by-job pass-2 rescue if any per_job
// counter remains unmet after the node loop.
func SelectAndSet(nodes []NodeInput, mc MultiCoreOptions, policy PolicyFlags, overcommit bool) *status.Status {
	jobFini := JobFiniUnset

	// Reset total_gres for every distinct job kind seen, on first
	// encounter, matching "reinitialize total_gres to 0 on the first
	// node" (§4.5 step 3).
	seen := make(map[*JobGresRequest]bool)

	for _, n := range nodes {
		usedInfo := computeUsedSock(n)
		var taskLayout []uint32
		var taskLayoutBuilt bool

		for _, sg := range n.SockGresList {
			job := sg.Job
			node := sg.Node
			job.ensureOutputs()

			if !seen[job] {
				job.TotalGres = 0
				seen[job] = true
			}

			needsTaskLayout := job.GresPerTask != 0
			if needsTaskLayout && !taskLayoutBuilt {
				taskLayout = buildTaskLayoutForNode(n, mc, overcommit)
				taskLayoutBuilt = true
			}

			if node.TopoCnt == 0 && node.BitAlloc == nil {
				cnt, err := directCount(job, sg, usedInfo, taskLayout)
				if err != nil {
					return status.NewStatus(status.Error, err.Error())
				}
				job.CntNodeSelect[n.NodeIdx] = cnt
				if !job.ConfigFlags.Shared() {
					job.TotalGres += cnt
				}
				continue
			}

			var picked uint64
			switch {
			case job.ConfigFlags.Shared() && job.GresPerNode != 0:
				got, st := setSharedNodeBits(job, node, n.NodeIdx, sg, usedInfo.usedSock, true, policy, job.GresPerNode, sharedTopoIndex(node, policy))
				if !st.IsSuccess() {
					return st
				}
				picked = got
			case job.ConfigFlags.Shared() && job.GresPerTask != 0:
				got, st := setSharedTaskBits(job, node, n.NodeIdx, sg, usedInfo.usedSock, taskLayout, true, policy, job.GresPerTask, n.NoTaskSharing, sharedTopoIndex(node, policy))
				if !st.IsSuccess() {
					return st
				}
				picked = got
			case job.ConfigFlags.Shared():
				return status.NewStatus(status.InvalidGRES, "shared GRES only supports gres_per_node or gres_per_task")
			case job.GresPerNode != 0:
				picked = pickGresPerNode(job, node, n.NodeIdx, sg, usedInfo.usedSock, job.GresPerNode)
				job.CntNodeSelect[n.NodeIdx] = picked
			case job.GresPerSocket != 0:
				picked = pickGresPerSocket(job, node, n.NodeIdx, sg, usedInfo.usedSock, mc.SocketsPerNode, job.GresPerSocket)
				job.CntNodeSelect[n.NodeIdx] = picked
			case job.GresPerTask != 0:
				picked = pickGresPerTask(job, node, n.NodeIdx, sg, taskLayout, job.GresPerTask)
				job.CntNodeSelect[n.NodeIdx] = picked
			case job.GresPerJob != 0:
				remNodes := remainingNodeCount(nodes, n.NodeIdx)
				got, fini := setJobBits1(job, node, n.NodeIdx, sg, usedInfo.usedSock, remNodes)
				picked = got
				job.CntNodeSelect[n.NodeIdx] = picked
				jobFini = combineFini(jobFini, fini)
				klog.V(4).InfoS("by-job pass1", "node", n.NodeName, "kind", job.Kind.Name, "picked", picked, "fini", fini)
				continue
			default:
				return status.NewStatus(status.InvalidGRES, "gres request has no counter set")
			}

			if job.ConfigFlags.Shared() {
				job.CntNodeSelect[n.NodeIdx] = picked
			}
			job.TotalGres += picked
		}
	}

	if jobFini == JobFiniUnmet {
		for _, n := range nodes {
			usedInfo := computeUsedSock(n)
			for _, sg := range n.SockGresList {
				job := sg.Job
				if job.GresPerJob == 0 || job.ConfigFlags.Shared() {
					continue
				}
				if job.TotalGres >= job.GresPerJob {
					continue
				}
				setJobBits2(job, sg.Node, n.NodeIdx, sg, usedInfo.usedSock)
			}
		}
		for _, n := range nodes {
			for _, sg := range n.SockGresList {
				job := sg.Job
				if job.GresPerJob != 0 && !job.ConfigFlags.Shared() && job.TotalGres < job.GresPerJob {
					return status.NewStatus(status.NodeNotAvailable, "job-counter-unsatisfiable after pass 2")
				}
			}
		}
	}

	for _, n := range nodes {
		for _, sg := range n.SockGresList {
			sg.Job.TotalNodeCnt = len(nodes)
		}
	}

	return status.NewStatus(status.Success)
}

// directCount computes gres_cnt_node_select directly for GRES kinds
// with no topology at all (§4.5 step 3, no-bit-selection branch).
func directCount(job *JobGresRequest, sg *SockGres, used usedSockInfo, taskLayout []uint32) (uint64, error) {
	switch {
	case job.GresPerNode != 0:
		return job.GresPerNode, nil
	case job.GresPerSocket != 0:
		return job.GresPerSocket * uint64(used.usedSockCnt), nil
	case job.GresPerTask != 0:
		var tasksOnNode uint64
		for _, t := range taskLayout {
			tasksOnNode += uint64(t)
		}
		return job.GresPerTask * tasksOnNode, nil
	case job.GresPerJob != 0:
		remaining := job.GresPerJob - job.TotalGres
		return minU64(remaining, sg.TotalCnt), nil
	}
	return 0, nil
}

func buildTaskLayoutForNode(n NodeInput, mc MultiCoreOptions, overcommit bool) []uint32 {
	perSocket, _ := BuildTasksPerNodeSocket(TaskLayoutParams{
		CoreBitmap:      n.CoreBitmap,
		Sockets:         n.Sockets,
		CoresPerSocket:  n.CoresPerSocket,
		CPUsPerCore:     n.CPUsPerCore,
		NTasksPerNode:   mc.NTasksPerNode,
		JobResTasksNode: n.TasksPerNode,
		CPUsPerTask:     mc.CPUsPerTask,
		NTasksPerCore:   mc.NTasksPerCore,
		NTasksPerSocket: mc.NTasksPerSocket,
	}, mc.NTasksPerJob, 0, overcommit)
	return perSocket
}

func remainingNodeCount(nodes []NodeInput, fromIdx int) int {
	count := 0
	started := false
	for _, n := range nodes {
		if n.NodeIdx == fromIdx {
			started = true
		}
		if started {
			count++
		}
	}
	if count < 1 {
		count = 1
	}
	return count
}

// sharedTopoIndex returns the least-loaded topology slot order when
// the cluster policy requests it, else nil (natural order).
func sharedTopoIndex(node *NodeGresState, policy PolicyFlags) []int {
	if !policy.LLSharedGres || node.TopoCnt == 0 {
		return nil
	}
	slots := make([]int, node.TopoCnt)
	for i := range slots {
		slots[i] = i
	}
	return sortSlotsLeastLoaded(node, node.CntAvail, slots)
}
