package router

import (
	"sort"
	"strconv"
)

// DefaultReplicas is the number of ring points per server.
const DefaultReplicas = 160

type point struct {
	pos    uint32
	server int
}

// Ring is a consistent hash ring over the 32-bit hash space. Adding or
// removing a server only moves the keys between its points and their
// predecessors.
type Ring struct {
	hash   Hash
	points []point
	n      int
}

// NewRing places replicas points per server. Points are derived from
// "server-i" so the ring depends only on the server strings and their order.
func NewRing(h Hash, servers []string, replicas int) *Ring {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	r := &Ring{hash: h, n: len(servers), points: make([]point, 0, len(servers)*replicas)}
	for idx, s := range servers {
		for i := 0; i < replicas; i++ {
			r.points = append(r.points, point{pos: h.Sum(s + "-" + strconv.Itoa(i)), server: idx})
		}
	}
	sort.Slice(r.points, func(i, j int) bool {
		if r.points[i].pos != r.points[j].pos {
			return r.points[i].pos < r.points[j].pos
		}
		return r.points[i].server < r.points[j].server
	})
	return r
}

// Route returns the server owning the first point at or after hash(key),
// wrapping to the first point.
func (r *Ring) Route(key string) int {
	h := r.hash.Sum(key)
	i := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].pos >= h
	})
	if i == len(r.points) {
		i = 0
	}
	return r.points[i].server
}

func (r *Ring) Len() int { return r.n }
