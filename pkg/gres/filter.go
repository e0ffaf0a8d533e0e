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
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/klog/v2"

	"github.com/clustersched/gres-select/pkg/bitmap"
	"github.com/clustersched/gres-select/pkg/gres/status"
)

// FilterParams carries the per-node, per-call context RemoveUnusable
// needs beyond the []*SockGres slice itself.
type FilterParams struct {
	// AvailMem is the node's available memory, or nil if memory is
	// not tracked for this node (disables all memory checks).
	AvailMem *resource.Quantity
	MaxCPUs  int

	EnforceBinding bool
	CoreBitmap     *bitmap.Bitmap
	Sockets        int
	CoresPerSocket int
	CPUsPerCore    int

	// SockPerNode/TaskPerNode use NoVal32/NoVal16 to mean "disabled".
	SockPerNode  uint32
	TaskPerNode  uint16
	CPUsPerTask  uint16
	WholeNode    bool

	NodeName string
}

// RemoveUnusable filters one candidate node's GRES requests for
// feasibility (C3 / §4.1). It mutates each SockGres in place on
// success and returns the node-level status plus avail_gpus/near_gpus
// accumulated across sharing kinds.
func RemoveUnusable(reqs []*SockGres, p FilterParams) (st *status.Status, availGpus uint64, nearGpus uint64) {
	var availCoresBySock []bool
	builtCoresBySock := false

	for _, sg := range reqs {
		job := sg.Job
		node := sg.Node

		minGres := uint64(1)
		if p.WholeNode {
			minGres = sg.TotalCnt
		} else if job.GresPerNode != 0 {
			minGres = job.GresPerNode
		}
		if job.GresPerSocket != 0 && p.SockPerNode != NoVal32 {
			minGres = maxU64(minGres, job.GresPerSocket*uint64(p.SockPerNode))
		}
		if job.GresPerTask != 0 && p.TaskPerNode != NoVal16 {
			minGres = maxU64(minGres, job.GresPerTask*uint64(p.TaskPerNode))
		}

		cpusPerGres := job.CPUsPerGres
		if cpusPerGres == 0 && job.NTasksPerGres != 0 && job.NTasksPerGres != NoVal16 {
			cpusPerGres = job.NTasksPerGres * p.CPUsPerTask
		}
		if cpusPerGres == 0 {
			cpusPerGres = job.DefCPUsPerGres
		}
		if cpusPerGres != 0 {
			need := maxU64(job.GresPerNode, maxU64(job.GresPerTask, job.GresPerSocket))
			if need != 0 && uint64(p.MaxCPUs)/uint64(cpusPerGres) < need {
				return status.NewStatus(status.NodeNotAvailable,
					"insufficient-cpus: "+p.NodeName), 0, 0
			}
		}

		memPerGres := job.MemPerGres
		if memPerGres == 0 {
			memPerGres = job.DefMemPerGres
		}
		memTracked := p.AvailMem != nil
		var availMemBytes uint64
		if memTracked {
			availMemBytes = uint64(p.AvailMem.Value())
		}
		if memPerGres != 0 && memTracked {
			if memPerGres > availMemBytes {
				return status.NewStatus(status.NodeNotAvailable,
					"insufficient-memory: "+p.NodeName), 0, 0
			}
			sg.MaxNodeGres = availMemBytes / memPerGres
			sg.TotalCnt = minU64(sg.TotalCnt, sg.MaxNodeGres)
		}

		if sg.CntBySock != nil && !builtCoresBySock {
			availCoresBySock = availCoresBySocket(p.CoreBitmap, p.Sockets, p.CoresPerSocket)
			builtCoresBySock = true
		}

		var nearGresCnt uint64
		if sg.CntBySock != nil {
			if p.EnforceBinding {
				for s := 0; s < len(sg.CntBySock) && s < len(availCoresBySock); s++ {
					if !availCoresBySock[s] {
						sg.TotalCnt -= minU64(sg.CntBySock[s], sg.TotalCnt)
						sg.CntBySock[s] = 0
					}
				}
				nearGresCnt = sg.TotalCnt
			} else {
				nearGresCnt = sg.TotalCnt
				for s := 0; s < len(sg.CntBySock) && s < len(availCoresBySock); s++ {
					if !availCoresBySock[s] {
						nearGresCnt -= minU64(sg.CntBySock[s], nearGresCnt)
					}
				}
			}
		} else {
			nearGresCnt = sg.TotalCnt
		}

		if !p.WholeNode {
			if job.GresPerNode != 0 {
				if sg.MaxNodeGres == 0 || sg.MaxNodeGres > job.GresPerNode {
					sg.MaxNodeGres = job.GresPerNode
				}
			} else if job.GresPerJob != 0 {
				if sg.MaxNodeGres == 0 || sg.MaxNodeGres > job.GresPerJob {
					sg.MaxNodeGres = job.GresPerJob
				}
			}
		}

		wholeNodeSkip := job.NTasksPerGres != 0 && job.NTasksPerGres != NoVal16 && p.WholeNode
		if cpusPerGres != 0 && !wholeNodeSkip && p.CoreBitmap != nil {
			maxGres := uint64(p.CoreBitmap.Count()*p.CPUsPerCore) / uint64(cpusPerGres)
			if sg.MaxNodeGres == 0 || maxGres < sg.MaxNodeGres {
				sg.MaxNodeGres = maxGres
			}
			if sg.MaxNodeGres == 0 {
				return status.NewStatus(status.NodeNotAvailable,
					"insufficient-cpus: "+p.NodeName), 0, 0
			}
		}

		if memTracked && memPerGres != 0 {
			sg.TotalCnt = minU64(sg.TotalCnt, availMemBytes/memPerGres)
		}

		if sg.TotalCnt < minGres || (sg.MaxNodeGres > 0 && sg.MaxNodeGres < minGres) {
			return status.NewStatus(status.NodeNotAvailable,
				"insufficient-count: "+p.NodeName), 0, 0
		}

		if node.Kind.Sharing {
			if sg.MaxNodeGres > 0 {
				nearGresCnt = minU64(nearGresCnt, sg.MaxNodeGres)
			}
			availGpus = saturate255(availGpus + sg.TotalCnt)
			nearGpus = saturate255(nearGpus + nearGresCnt)
		}

		klog.V(5).InfoS("gres request passed filter", "node", p.NodeName,
			"kind", job.Kind.Name, "totalCnt", sg.TotalCnt, "maxNodeGres", sg.MaxNodeGres)
	}

	return status.NewStatus(status.Success), availGpus, nearGpus
}

// availCoresBySocket derives, for each socket, whether it has at
// least one available core in coreBitmap (C2).
func availCoresBySocket(coreBitmap *bitmap.Bitmap, sockets, coresPerSocket int) []bool {
	out := make([]bool, sockets)
	if coreBitmap == nil {
		return out
	}
	for s := 0; s < sockets; s++ {
		lo := s * coresPerSocket
		hi := lo + coresPerSocket
		out[s] = coreBitmap.CountRange(lo, hi) > 0
	}
	return out
}

func saturate255(v uint64) uint64 {
	if v > 255 {
		return 255
	}
	return v
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
