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

// Package gres implements the generic-resource (GRES) selection
// filter: feasibility filtering plus topology-aware and shared-GRES
// bit selection for a candidate node set during job placement.
package gres

import (
	"github.com/clustersched/gres-select/pkg/bitmap"
)

// NoVal and NoVal16 are sentinels meaning "caller did not set this
// field", mirroring NO_VAL/NO_VAL16 in the system this core mirrors.
const (
	NoVal   = ^uint64(0)
	NoVal16 = ^uint16(0)
	NoVal32 = ^uint32(0)
)

// ConfigFlags carries per-request bit flags on a JobGresRequest.
type ConfigFlags uint32

const (
	// ConfigFlagShared marks a request that draws fractional units
	// from a sharing device's topology slots, rather than whole
	// units from a plain device.
	ConfigFlagShared ConfigFlags = 1 << iota
)

// Shared reports whether this request is a shared (fractional) GRES
// request. Corresponds to is_shared(config_flags).
func (f ConfigFlags) Shared() bool { return f&ConfigFlagShared != 0 }

// Kind identifies one GRES type (e.g. "gpu", "mps") on a node and in a
// job's requests. Corresponds to plugin_id identity plus the
// is_sharing predicate.
type Kind struct {
	Name string
	// Sharing reports whether this kind names a physical device that
	// can be shared (is_sharing(plugin_id)); requests against it may
	// set ConfigFlagShared.
	Sharing bool
}

// NodeGresState is the per-(node,kind) GRES state (gres_ns). The core
// only reads this; it never writes gres_cnt_alloc, gres_bit_alloc, or
// the topo_* counters back.
type NodeGresState struct {
	Kind Kind

	CntAvail uint64
	CntAlloc uint64

	// BitAlloc is the set of already-allocated unit indices; nil if
	// this node/kind has no topology information at all.
	BitAlloc *bitmap.Bitmap

	// TopoCnt is the number of topology slots (sub-devices / affinity
	// groups). 0 means no topology.
	TopoCnt int
	TopoCntAvail []uint64
	TopoCntAlloc []uint64
	// TopoBitmap[t] is the set of unit indices belonging to slot t.
	TopoBitmap []*bitmap.Bitmap
	TopoTypeID []uint32

	// LinksCnt[g][h] is a nonnegative link/affinity weight between
	// unit g and unit h. Empty if links are not defined for this
	// node/kind; otherwise square with side == UnitCount().
	LinksCnt [][]int
}

// LinksDefined reports whether per-unit link counts are available.
func (n *NodeGresState) LinksDefined() bool {
	if n == nil {
		return false
	}
	return len(n.LinksCnt) == n.UnitCount() && len(n.LinksCnt) > 0
}

// UnitCount returns the number of GRES units this node/kind has,
// falling back through three derivations in order, per the original
// _get_gres_node_cnt: the bit-allocation bitmap size, else the size of
// topology slot 0's bitmap, else the sum of topology slot capacities.
// All three are kept for parity with topologies that omit
// gres_bit_alloc (see SPEC_FULL.md §4: supplemented feature 1).
func (n *NodeGresState) UnitCount() int {
	if n == nil {
		return 0
	}
	if n.BitAlloc != nil {
		return n.BitAlloc.Len()
	}
	if n.TopoCnt > 0 && len(n.TopoBitmap) > 0 && n.TopoBitmap[0] != nil {
		return n.TopoBitmap[0].Len()
	}
	var sum uint64
	for _, c := range n.TopoCntAvail {
		sum += c
	}
	return int(sum)
}

// JobGresRequest is the per-(job,kind) GRES request (gres_js). Inputs
// are set by the caller before RemoveUnusable/SelectAndSet run;
// outputs are filled in by this package.
type JobGresRequest struct {
	Kind        Kind
	ConfigFlags ConfigFlags
	TypeID      uint32 // 0 = untyped

	// Counters. Any subset may be nonzero; it is the caller's
	// responsibility that the combination is schedulable.
	GresPerNode   uint64
	GresPerSocket uint64
	GresPerTask   uint64
	GresPerJob    uint64

	CPUsPerGres    uint16
	DefCPUsPerGres uint16
	MemPerGres     uint64 // bytes; 0 = unset
	DefMemPerGres  uint64 // bytes; 0 = unset
	NTasksPerGres  uint16

	// Outputs, keyed by node index (as used by the caller's node
	// bitmap, not necessarily contiguous from 0).
	BitSelect     map[int]*bitmap.Bitmap
	CntNodeSelect map[int]uint64
	// PerBitSelect[n][t] is the fractional count drawn from topology
	// slot t on node n, for shared requests only.
	PerBitSelect map[int]map[int]uint64

	TotalGres    uint64
	TotalNodeCnt int
}

func (j *JobGresRequest) ensureOutputs() {
	if j.BitSelect == nil {
		j.BitSelect = make(map[int]*bitmap.Bitmap)
	}
	if j.CntNodeSelect == nil {
		j.CntNodeSelect = make(map[int]uint64)
	}
	if j.PerBitSelect == nil {
		j.PerBitSelect = make(map[int]map[int]uint64)
	}
}

// SockGres is the transient per-(node,kind) view consumed by this
// package (sock_gres). It is owned by the caller and discarded after
// SelectAndSet/RemoveUnusable return.
type SockGres struct {
	Job  *JobGresRequest
	Node *NodeGresState

	// TotalCnt is the usable count on this node after upstream
	// pruning.
	TotalCnt uint64
	// MaxNodeGres is the cap implied by CPU/memory constraints; 0 =
	// unset.
	MaxNodeGres uint64

	SockCnt int
	// CntBySock[s] is the count affine to socket s.
	CntBySock []uint64
	// BitsBySock[s] is the set of unit indices (or, for shared GRES,
	// topology slot indices) affine to socket s.
	BitsBySock []*bitmap.Bitmap
	// BitsAnySock is the set of indices with no socket affinity.
	BitsAnySock *bitmap.Bitmap
}
