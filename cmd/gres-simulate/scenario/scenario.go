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

// Package scenario loads a YAML description of a candidate node set
// and a job's GRES request, for exercising RemoveUnusable and
// SelectAndSet from the command line.
package scenario

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/clustersched/gres-select/pkg/bitmap"
	"github.com/clustersched/gres-select/pkg/gres"
)

// TopoSlot describes one topology slot of a node's GRES kind.
type TopoSlot struct {
	Avail  uint64 `yaml:"avail"`
	Alloc  uint64 `yaml:"alloc"`
	Socket int    `yaml:"socket"` // -1 = no socket affinity ("any")
	TypeID uint32 `yaml:"type_id"`
}

// Node describes one candidate node.
type Node struct {
	Name           string     `yaml:"name"`
	Sockets        int        `yaml:"sockets"`
	CoresPerSocket int        `yaml:"cores_per_socket"`
	CPUsPerCore    int        `yaml:"cpus_per_core"`
	AllocatedCores []int      `yaml:"allocated_cores"`
	AvailMem       string     `yaml:"avail_mem"`
	GresAvail      uint64     `yaml:"gres_avail"`
	Topology       []TopoSlot `yaml:"topology"`
}

// Job describes one job's single GRES request and the launch options
// that drive its task layout.
type Job struct {
	ID             string `yaml:"id"`
	KindName       string `yaml:"kind"`
	Sharing        bool   `yaml:"sharing"`
	Shared         bool   `yaml:"shared"`
	TypeID         uint32 `yaml:"type_id"`
	GresPerNode    uint64 `yaml:"gres_per_node"`
	GresPerSocket  uint64 `yaml:"gres_per_socket"`
	GresPerTask    uint64 `yaml:"gres_per_task"`
	GresPerJob     uint64 `yaml:"gres_per_job"`
	CPUsPerGres    uint16 `yaml:"cpus_per_gres"`
	MemPerGres     string `yaml:"mem_per_gres"`
	EnforceBinding bool   `yaml:"enforce_binding"`
	WholeNode      bool   `yaml:"whole_node"`
	Overcommit     bool   `yaml:"overcommit"`
	SocketsPerNode int    `yaml:"sockets_per_node"`
	NoTaskSharing  bool   `yaml:"no_task_sharing"`
	LLSharedGres   bool   `yaml:"ll_shared_gres"`
	MultipleShareP bool   `yaml:"multiple_sharing_gres_pj"`
}

// Scenario is the top-level YAML document.
type Scenario struct {
	Job   Job    `yaml:"job"`
	Nodes []Node `yaml:"nodes"`
}

// Load reads and parses a scenario YAML file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing scenario yaml: %w", err)
	}
	if s.Job.ID == "" {
		s.Job.ID = uuid.New().String()
	}
	return &s, nil
}

// Built is the in-memory form of a Scenario, ready for
// RemoveUnusable/SelectAndSet.
type Built struct {
	Job        *gres.JobGresRequest
	Nodes      []*gres.NodeGresState
	SockGres   []*gres.SockGres
	NodeInputs []gres.NodeInput
	NodeNames  []string
	Policy     gres.PolicyFlags
	MC         gres.MultiCoreOptions
}

// Build converts the parsed scenario into the core package's types.
func (s *Scenario) Build() (*Built, error) {
	kind := gres.Kind{Name: s.Job.KindName, Sharing: s.Job.Sharing}
	flags := gres.ConfigFlags(0)
	if s.Job.Shared {
		flags |= gres.ConfigFlagShared
	}

	job := &gres.JobGresRequest{
		Kind:          kind,
		ConfigFlags:   flags,
		TypeID:        s.Job.TypeID,
		GresPerNode:   s.Job.GresPerNode,
		GresPerSocket: s.Job.GresPerSocket,
		GresPerTask:   s.Job.GresPerTask,
		GresPerJob:    s.Job.GresPerJob,
		CPUsPerGres:   s.Job.CPUsPerGres,
	}
	if s.Job.MemPerGres != "" {
		q, err := resource.ParseQuantity(s.Job.MemPerGres)
		if err != nil {
			return nil, fmt.Errorf("parsing job.mem_per_gres: %w", err)
		}
		job.MemPerGres = uint64(q.Value())
	}

	b := &Built{Job: job, Policy: gres.PolicyFlags{
		LLSharedGres:          s.Job.LLSharedGres,
		MultipleSharingGresPJ: s.Job.MultipleShareP,
	}, MC: gres.MultiCoreOptions{
		SocketsPerNode:  s.Job.SocketsPerNode,
		NTasksPerNode:   gres.NoVal32,
		NTasksPerCore:   gres.NoVal32,
		NTasksPerSocket: gres.NoVal32,
	}}

	for idx, n := range s.Nodes {
		node, sg, err := buildNode(kind, job, n)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.Name, err)
		}

		coreBitmap := bitmap.New(n.Sockets * n.CoresPerSocket)
		for _, c := range n.AllocatedCores {
			coreBitmap.Set(c)
		}

		b.Nodes = append(b.Nodes, node)
		b.SockGres = append(b.SockGres, sg)
		b.NodeNames = append(b.NodeNames, n.Name)
		b.NodeInputs = append(b.NodeInputs, gres.NodeInput{
			NodeIdx:        idx,
			NodeName:       n.Name,
			CoreBitmap:     coreBitmap,
			Sockets:        n.Sockets,
			CoresPerSocket: n.CoresPerSocket,
			CPUsPerCore:    n.CPUsPerCore,
			CPUsPerNode:    n.Sockets * n.CoresPerSocket * n.CPUsPerCore,
			TasksPerNode:   gres.NoVal32,
			NoTaskSharing:  s.Job.NoTaskSharing,
			SockGresList:   []*gres.SockGres{sg},
		})
	}

	return b, nil
}

func buildNode(kind gres.Kind, job *gres.JobGresRequest, n Node) (*gres.NodeGresState, *gres.SockGres, error) {
	node := &gres.NodeGresState{Kind: kind, CntAvail: n.GresAvail}

	sg := &gres.SockGres{
		Job: job, Node: node,
		TotalCnt: n.GresAvail,
		SockCnt:  n.Sockets,
	}

	if len(n.Topology) == 0 {
		return node, sg, nil
	}

	node.TopoCnt = len(n.Topology)
	unitCursor := 0
	unitCount := 0
	for _, t := range n.Topology {
		unitCount += int(t.Avail)
	}

	shared := job.ConfigFlags.Shared()

	// Shared requests draw fractional counts from topology slots, so
	// sock_gres membership is indexed by slot. Non-shared requests
	// draw whole units, so membership is indexed by unit.
	bitsSize := node.TopoCnt
	if !shared {
		bitsSize = unitCount
	}
	sg.BitsBySock = make([]*bitmap.Bitmap, n.Sockets)
	for s := range sg.BitsBySock {
		sg.BitsBySock[s] = bitmap.New(bitsSize)
	}
	sg.BitsAnySock = bitmap.New(bitsSize)
	sg.CntBySock = make([]uint64, n.Sockets)

	for t, slot := range n.Topology {
		node.TopoCntAvail = append(node.TopoCntAvail, slot.Avail)
		node.TopoCntAlloc = append(node.TopoCntAlloc, slot.Alloc)
		node.TopoTypeID = append(node.TopoTypeID, slot.TypeID)

		sliceStart := unitCursor
		units := bitmap.New(unitCount)
		for i := 0; i < int(slot.Avail); i++ {
			units.Set(unitCursor)
			unitCursor++
		}
		node.TopoBitmap = append(node.TopoBitmap, units)

		if shared {
			if slot.Socket < 0 {
				sg.BitsAnySock.Set(t)
			} else if slot.Socket < len(sg.BitsBySock) {
				sg.BitsBySock[slot.Socket].Set(t)
			}
		} else {
			for u := sliceStart; u < unitCursor; u++ {
				if slot.Socket < 0 {
					sg.BitsAnySock.Set(u)
				} else if slot.Socket < len(sg.BitsBySock) {
					sg.BitsBySock[slot.Socket].Set(u)
				}
			}
		}
		if slot.Socket >= 0 && slot.Socket < len(sg.CntBySock) {
			sg.CntBySock[slot.Socket] += slot.Avail
		}
	}

	return node, sg, nil
}
