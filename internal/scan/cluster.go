package scan

import (
	"fmt"
	"sort"
)

// Cluster is a contiguous run of addresses judged to answer as one physical
// device. Members are ascending and gap-free; the representative is the
// lowest member until a reassignment gives the device its final address.
type Cluster struct {
	Members        []uint8 `json:"members"`
	Representative uint8   `json:"representative"`
	Label          string  `json:"label,omitempty"`

	// Ambiguous marks a run assembled from both active and passive evidence:
	// the grouping heuristic cannot tell one wide device from two adjacent
	// ones there, so the boundary goes to the operator for review.
	Ambiguous bool `json:"ambiguous,omitempty"`
}

// Low and High are the cluster's address range bounds.
func (c Cluster) Low() uint8  { return c.Members[0] }
func (c Cluster) High() uint8 { return c.Members[len(c.Members)-1] }

// RangeString renders "8-11" or "20" for single-address clusters.
func (c Cluster) RangeString() string {
	if c.Low() == c.High() {
		return fmt.Sprintf("%d", c.Low())
	}
	return fmt.Sprintf("%d-%d", c.Low(), c.High())
}

// reduce groups responding addresses into clusters. active holds addresses
// confirmed by the active pass, passive those recovered only during the
// listen window. Consecutive addresses (gap of one) collapse into a single
// cluster; a cluster containing members from both sources is flagged
// Ambiguous.
func reduce(active, passive map[uint8]bool) []Cluster {
	all := make([]int, 0, len(active)+len(passive))
	for a := range active {
		all = append(all, int(a))
	}
	for a := range passive {
		if !active[a] {
			all = append(all, int(a))
		}
	}
	if len(all) == 0 {
		return nil
	}
	sort.Ints(all)

	var clusters []Cluster
	run := []uint8{uint8(all[0])}
	for _, ai := range all[1:] {
		a := uint8(ai)
		if int(a) == int(run[len(run)-1])+1 {
			run = append(run, a)
			continue
		}
		clusters = append(clusters, finishRun(run, active, passive))
		run = []uint8{a}
	}
	clusters = append(clusters, finishRun(run, active, passive))
	return clusters
}

func finishRun(run []uint8, active, passive map[uint8]bool) Cluster {
	c := Cluster{
		Members:        append([]uint8(nil), run...),
		Representative: run[0],
	}
	var hasActive, hasPassive bool
	for _, a := range run {
		if active[a] {
			hasActive = true
		}
		if passive[a] && !active[a] {
			hasPassive = true
		}
	}
	c.Ambiguous = hasActive && hasPassive
	return c
}
