package router

import "github.com/dgryski/go-jump"

type JumpRouter struct {
	hash Hash
	n    int
}

func (r JumpRouter) Route(key string) int {
	return int(jump.Hash(uint64(r.hash.Sum(key)), r.n))
}

func (r JumpRouter) Len() int { return r.n }
