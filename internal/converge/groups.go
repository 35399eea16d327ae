package converge

import (
	"fmt"

	"converge/internal/spec"
)

// conflictGroups partitions idx so that specs sharing a container name, a
// published host port, a volume source or a network land in the same group.
// Groups are ordered by their first member; members keep input order.
func conflictGroups(items []spec.DesiredSpec, idx []int) [][]int {
	uf := newUnionFind(len(idx))
	owner := make(map[string]int)
	for pos, i := range idx {
		for _, key := range conflictKeys(items[i]) {
			if prev, ok := owner[key]; ok {
				uf.union(prev, pos)
				continue
			}
			owner[key] = pos
		}
	}

	byRoot := make(map[int]int)
	var groups [][]int
	for pos, i := range idx {
		root := uf.find(pos)
		g, ok := byRoot[root]
		if !ok {
			g = len(groups)
			byRoot[root] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}

func conflictKeys(s spec.DesiredSpec) []string {
	keys := []string{"name:" + s.Name}
	for _, p := range s.Ports {
		if p.HostPort == 0 {
			continue
		}
		proto := p.Protocol
		if proto == "" {
			proto = spec.ProtocolTCP
		}
		keys = append(keys, fmt.Sprintf("port:%s/%d", proto, p.HostPort))
	}
	for _, v := range s.Volumes {
		keys = append(keys, "volume:"+v.Source)
	}
	for _, n := range s.Networks {
		keys = append(keys, "network:"+n)
	}
	return keys
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}
