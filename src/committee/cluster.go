package committee

import (
	"sort"
	"strings"
)

// Cluster is a connectivity-defined subset of a committee. During a network
// partition each cluster keeps running consensus on its own, using quorum
// thresholds computed over the cluster's restricted weight. A Cluster is a
// view: it holds no authority state of its own and is as immutable as the
// committee it derives from.
type Cluster struct {
	ID        string
	Committee *Committee
	Members   map[uint32]bool

	weight uint64 //computed once in NewCluster
}

// NewCluster creates a cluster view over a subset of committee member IDs.
// The cluster ID is derived from the sorted member monikers so that both
// sides of a partition name the same cluster the same way.
func NewCluster(c *Committee, memberIDs []uint32) *Cluster {
	members := make(map[uint32]bool, len(memberIDs))
	names := make([]string, 0, len(memberIDs))

	for _, id := range memberIDs {
		if a, ok := c.ByID[id]; ok {
			members[id] = true
			names = append(names, a.Moniker)
		}
	}

	sort.Strings(names)

	return &Cluster{
		ID:        strings.Join(names, "-"),
		Committee: c,
		Members:   members,
		weight:    c.WeightOfIDs(members),
	}
}

// Contains returns true if the authority is a cluster member.
func (cl *Cluster) Contains(id uint32) bool {
	return cl.Members[id]
}

// Weight returns the cluster's restricted total weight.
func (cl *Cluster) Weight() uint64 {
	return cl.weight
}

// QuorumWeight returns the local quorum threshold: the same 2W/3+1 formula as
// the full committee, computed over the cluster's restricted weight.
func (cl *Cluster) QuorumWeight() uint64 {
	return 2*cl.Weight()/3 + 1
}

// MemberIDs returns the cluster member IDs in ascending order.
func (cl *Cluster) MemberIDs() []uint32 {
	ids := make([]uint32, 0, len(cl.Members))
	for id := range cl.Members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
