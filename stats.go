package client

import (
	"regexp"
	"strconv"

	"github.com/jsp-lqk/memcached-dispatch/internal/protocol"
	"github.com/jsp-lqk/memcached-dispatch/internal/transport"
)

var (
	floatStat = regexp.MustCompile(`^\d+\.\d+$`)
	intStat   = regexp.MustCompile(`^\d+$`)
)

// statValue turns numeric-looking stats into int64, uint64 or float64.
func statValue(raw []byte) any {
	s := string(raw)
	switch {
	case floatStat.MatchString(s):
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case intStat.MatchString(s):
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return n
		}
	}
	return s
}

// Stats asks every server for its statistics. Each entry holds one value
// per server, in configured server order; a server that did not report a
// statistic leaves nil in its slot.
func (c *Client) Stats() (map[string][]any, error) {
	if err := c.guard("stats"); err != nil {
		return nil, err
	}
	n := len(c.cfg.Servers)
	calls := make([]*transport.Call, n)
	for i := range calls {
		calls[i] = c.conns.send(i, protocol.Stats())
	}
	stats := make(map[string][]any)
	for i, call := range calls {
		for _, rec := range c.conns.receive(call) {
			switch rec.Code {
			case protocol.CodeStat:
				vals, ok := stats[rec.Key]
				if !ok {
					vals = make([]any, n)
					stats[rec.Key] = vals
				}
				vals[i] = statValue(rec.Value)
			case protocol.CodeEnd:
			default:
				o := classify(rec.Code)
				return nil, &OpError{Op: "stats", Key: c.cfg.Servers[i], Outcome: o, Detail: rec.Line}
			}
		}
	}
	return stats, nil
}
