package router

// ModulaRouter remaps most keys whenever the server count changes; use it
// only for static clusters.
type ModulaRouter struct {
	hash Hash
	n    int
}

func (r ModulaRouter) Route(key string) int {
	return int(r.hash.Sum(key) % uint32(r.n))
}

func (r ModulaRouter) Len() int { return r.n }
