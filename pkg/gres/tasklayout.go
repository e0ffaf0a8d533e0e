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
)

// TaskLayoutParams describes one node's contribution to the task
// layout (C4).
type TaskLayoutParams struct {
	CoreBitmap     *bitmap.Bitmap // this node's slice of the job's core bitmap
	Sockets        int
	CoresPerSocket int
	CPUsPerCore    int

	NTasksPerNode   uint32 // NoVal32 if unset
	JobResTasksNode uint32 // job_res.tasks_per_node[idx]; NoVal32 if unset
	CPUsPerTask     uint16

	NTasksPerCore   uint32 // NoVal32 if unset
	NTasksPerSocket uint32 // NoVal32 if unset
}

// BuildTasksPerNodeSocket builds the tasks_per_node_socket matrix (C4)
// for one node, given the job's forward-pass parameters, returning the
// per-socket task counts and the remaining unplaced task count
// (rem_tasks) after the overcommit top-up loop, if any.
func BuildTasksPerNodeSocket(p TaskLayoutParams, ntasksPerJob uint32, placedSoFar uint32, overcommit bool) (perSocket []uint32, remTasks int32) {
	perSocket = make([]uint32, p.Sockets)

	nodeCap := uint32(NoVal32)
	if p.NTasksPerNode != NoVal32 {
		nodeCap = p.NTasksPerNode
	} else if p.JobResTasksNode != NoVal32 {
		nodeCap = p.JobResTasksNode
	} else if p.CPUsPerTask > 0 {
		nodeCap = uint32(p.CoreBitmap.Count()*p.CPUsPerCore) / uint32(p.CPUsPerTask)
	}

	var placedOnNode uint32
	// Walk allocated cores socket-major: low socket index first, then
	// low core index within the socket.
	for s := 0; s < p.Sockets; s++ {
		lo := s * p.CoresPerSocket
		hi := lo + p.CoresPerSocket
		for c := lo; c < hi; {
			if p.CoreBitmap == nil || !p.CoreBitmap.Test(c) {
				c++
				continue
			}
			tpc := uint32(1)
			if p.NTasksPerCore != NoVal32 {
				tpc = p.NTasksPerCore
			} else if p.CPUsPerTask > 0 && uint32(p.CoresPerSocket) != 0 {
				tpc = uint32(p.CPUsPerCore) / uint32(p.CPUsPerTask)
				if tpc < 1 {
					tpc = 1
				}
			}

			if nodeCap != NoVal32 && placedOnNode+tpc > nodeCap {
				tpc = nodeCap - placedOnNode
			}
			if p.NTasksPerSocket != NoVal32 && perSocket[s]+tpc > p.NTasksPerSocket {
				tpc = p.NTasksPerSocket - perSocket[s]
			}
			perSocket[s] += tpc
			placedOnNode += tpc

			if p.CPUsPerTask > uint16(p.CPUsPerCore) && p.CPUsPerCore > 0 {
				skip := (int(p.CPUsPerTask) + p.CPUsPerCore - 1) / p.CPUsPerCore
				c += skip
				continue
			}
			c++

			if nodeCap != NoVal32 && placedOnNode >= nodeCap {
				break
			}
		}
	}

	remTasks = int32(ntasksPerJob) - int32(placedSoFar) - int32(placedOnNode)

	if remTasks > 0 && overcommit {
		for remTasks > 0 {
			progressed := false
			for s := 0; s < p.Sockets && remTasks > 0; s++ {
				lo := s * p.CoresPerSocket
				hi := lo + p.CoresPerSocket
				hasAllocated := false
				for c := lo; c < hi; c++ {
					if p.CoreBitmap != nil && p.CoreBitmap.Test(c) {
						hasAllocated = true
						break
					}
				}
				if !hasAllocated {
					continue
				}
				perSocket[s]++
				remTasks--
				progressed = true
			}
			if !progressed {
				break
			}
		}
	}

	if remTasks > 0 {
		klog.V(2).InfoS("task layout left tasks unplaced", "remaining", remTasks)
	}

	return perSocket, remTasks
}
