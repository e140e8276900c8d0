package client

import (
	"strconv"

	"github.com/jsp-lqk/memcached-dispatch/internal/protocol"
)

// Item is a stored value as read back from the server.
type Item struct {
	Key   string
	Value []byte
	Flags uint32
	// CAS is only filled in when SupportCAS is enabled.
	CAS uint64
}

// nsKey validates key and returns it with the namespace applied.
func (c *Client) nsKey(op, key string) (string, error) {
	if err := c.guard(op); err != nil {
		return "", err
	}
	nk := c.cfg.Namespace + key
	if key == "" || !protocol.LegalKey(nk) {
		return "", &OpError{Op: op, Key: key, Outcome: ClientError, Detail: "invalid key"}
	}
	return nk, nil
}

// exec sends r to the server owning nk and waits for its reply, unless r is
// a noreply request.
func (c *Client) exec(nk string, r protocol.Request) []protocol.Record {
	i := c.router.Route(nk)
	call := c.conns.send(i, r)
	if r.NoReply {
		select {
		case <-call.Done():
			return c.conns.receive(call)
		default:
			return []protocol.Record{{Code: protocol.CodeActionQueued}}
		}
	}
	return c.conns.receive(call)
}

// mutate runs a single-line-reply mutation. NOT_STORED for replace, append
// and prepend means the key was missing.
func (c *Client) mutate(op, key string, build func(nk string, noreply bool) protocol.Request) (Outcome, error) {
	nk, err := c.nsKey(op, key)
	if err != nil {
		return ClientError, err
	}
	noreply := c.cfg.NoBlock || c.cfg.BufferRequests
	rec := last(c.exec(nk, build(nk, noreply)))
	o := classify(rec.Code)
	if o == NotStored && rec.Code == protocol.CodeNotStored {
		switch op {
		case "replace", "append", "prepend":
			o = NotFound
		}
	}
	if !o.OK() {
		return o, &OpError{Op: op, Key: key, Outcome: o, Detail: rec.Line}
	}
	return o, nil
}

func last(rs []protocol.Record) protocol.Record {
	if len(rs) == 0 {
		return protocol.Record{Code: protocol.CodeUnknownRead, Line: "no reply"}
	}
	return rs[len(rs)-1]
}

func (c *Client) store(verb, key string, value []byte, flags uint32, ttl int) (Outcome, error) {
	if ttl < 0 {
		return ClientError, &OpError{Op: verb, Key: key, Outcome: ClientError, Detail: "negative ttl"}
	}
	return c.mutate(verb, key, func(nk string, noreply bool) protocol.Request {
		return protocol.Storage(verb, nk, flags, ttl, value, 0, noreply)
	})
}

func (c *Client) storeValue(verb, key string, v any, ttl int) (Outcome, error) {
	if err := c.guard(verb); err != nil {
		return ClientError, err
	}
	data, err := c.cfg.Serializer.Marshal(v)
	if err != nil {
		return ClientError, &OpError{Op: verb, Key: key, Outcome: ClientError, Detail: err.Error()}
	}
	return c.store(verb, key, data, FlagSerialized, ttl)
}

// Set stores v under key, overwriting any value. ttl is in seconds; 0 means
// no expiry.
func (c *Client) Set(key string, v any, ttl int) (Outcome, error) {
	return c.storeValue("set", key, v, ttl)
}

// Add stores v only if key does not exist; otherwise it fails with NotStored.
func (c *Client) Add(key string, v any, ttl int) (Outcome, error) {
	return c.storeValue("add", key, v, ttl)
}

// Replace stores v only if key exists; otherwise it fails with NotFound.
func (c *Client) Replace(key string, v any, ttl int) (Outcome, error) {
	return c.storeValue("replace", key, v, ttl)
}

// SetRaw is Set without the serializer. Use it for values that Increment,
// Decrement, Append or Prepend will touch.
func (c *Client) SetRaw(key string, value []byte, ttl int) (Outcome, error) {
	return c.store("set", key, value, FlagRaw, ttl)
}

func (c *Client) AddRaw(key string, value []byte, ttl int) (Outcome, error) {
	return c.store("add", key, value, FlagRaw, ttl)
}

func (c *Client) ReplaceRaw(key string, value []byte, ttl int) (Outcome, error) {
	return c.store("replace", key, value, FlagRaw, ttl)
}

// Append adds delta after the stored bytes. delta is never serialized.
func (c *Client) Append(key string, delta []byte) (Outcome, error) {
	return c.store("append", key, delta, FlagRaw, 0)
}

// Prepend adds delta before the stored bytes.
func (c *Client) Prepend(key string, delta []byte) (Outcome, error) {
	return c.store("prepend", key, delta, FlagRaw, 0)
}

// Delete removes key; it fails with NotFound if the key is absent.
func (c *Client) Delete(key string) (Outcome, error) {
	return c.mutate("delete", key, func(nk string, noreply bool) protocol.Request {
		return protocol.Delete(nk, noreply)
	})
}

// Touch resets the expiry of key to ttl seconds; it fails with NotFound if
// the key is absent.
func (c *Client) Touch(key string, ttl int) (Outcome, error) {
	if ttl < 0 {
		return ClientError, &OpError{Op: "touch", Key: key, Outcome: ClientError, Detail: "negative ttl"}
	}
	return c.mutate("touch", key, func(nk string, noreply bool) protocol.Request {
		return protocol.Touch(nk, ttl, noreply)
	})
}

// Increment adds offset to a value stored raw as a decimal integer and
// returns the new value. It always waits for the server, since the new
// value is the result.
func (c *Client) Increment(key string, offset uint64) (uint64, error) {
	return c.arith("incr", key, offset)
}

// Decrement subtracts offset; the server clamps at zero.
func (c *Client) Decrement(key string, offset uint64) (uint64, error) {
	return c.arith("decr", key, offset)
}

func (c *Client) Incr(key string) (uint64, error) { return c.Increment(key, 1) }

func (c *Client) Decr(key string) (uint64, error) { return c.Decrement(key, 1) }

func (c *Client) arith(verb, key string, offset uint64) (uint64, error) {
	nk, err := c.nsKey(verb, key)
	if err != nil {
		return 0, err
	}
	rec := last(c.exec(nk, protocol.Arith(verb, nk, offset, false)))
	if o := classify(rec.Code); !o.OK() {
		return 0, &OpError{Op: verb, Key: key, Outcome: o, Detail: rec.Line}
	}
	n, err := strconv.ParseUint(string(rec.Value), 10, 64)
	if err != nil {
		return 0, &OpError{Op: verb, Key: key, Outcome: ProtocolError, Detail: err.Error()}
	}
	return n, nil
}

// GetItem fetches key with its flags, and its CAS token when SupportCAS is
// enabled. It fails with NotFound if the key is absent.
func (c *Client) GetItem(key string) (*Item, error) {
	nk, err := c.nsKey("get", key)
	if err != nil {
		return nil, err
	}
	verb := "get"
	if c.cfg.SupportCAS {
		verb = "gets"
	}
	var it *Item
	for _, rec := range c.exec(nk, protocol.Retrieval(verb, []string{nk})) {
		switch rec.Code {
		case protocol.CodeValue:
			if it == nil && rec.Key == nk {
				it = &Item{Key: key, Value: rec.Value, Flags: rec.Flags, CAS: rec.CAS}
			}
		case protocol.CodeEnd:
		default:
			o := classify(rec.Code)
			return nil, &OpError{Op: "get", Key: key, Outcome: o, Detail: rec.Line}
		}
	}
	if it == nil {
		return nil, &OpError{Op: "get", Key: key, Outcome: NotFound}
	}
	return it, nil
}

// GetRaw returns the stored bytes without deserializing them.
func (c *Client) GetRaw(key string) ([]byte, error) {
	it, err := c.GetItem(key)
	if err != nil {
		return nil, err
	}
	return it.Value, nil
}

// Get decodes the value stored under key into v. Values stored raw are
// copied directly into a *[]byte or *string.
func (c *Client) Get(key string, v any) error {
	it, err := c.GetItem(key)
	if err != nil {
		return err
	}
	if it.Flags&FlagSerialized == 0 {
		switch p := v.(type) {
		case *[]byte:
			*p = it.Value
			return nil
		case *string:
			*p = string(it.Value)
			return nil
		}
	}
	if err := c.cfg.Serializer.Unmarshal(it.Value, v); err != nil {
		return &OpError{Op: "get", Key: key, Outcome: ClientError, Detail: err.Error()}
	}
	return nil
}

// CAS reads key, passes the stored bytes to fn, and writes fn's result back
// only if nobody changed the key in between. A concurrent change, or the
// key disappearing, fails with NotStored. It needs SupportCAS.
func (c *Client) CAS(key string, ttl int, fn func(current []byte) ([]byte, error)) (Outcome, error) {
	if err := c.guard("cas"); err != nil {
		return ClientError, err
	}
	if !c.cfg.SupportCAS {
		return ClientError, &OpError{Op: "cas", Key: key, Outcome: ClientError, Detail: "CAS not enabled for this client"}
	}
	if ttl < 0 {
		return ClientError, &OpError{Op: "cas", Key: key, Outcome: ClientError, Detail: "negative ttl"}
	}
	it, err := c.GetItem(key)
	if err != nil {
		return outcomeOf(err), err
	}
	next, err := fn(it.Value)
	if err != nil {
		return ClientError, &OpError{Op: "cas", Key: key, Outcome: ClientError, Detail: err.Error()}
	}
	nk := c.cfg.Namespace + key
	rec := last(c.exec(nk, protocol.Storage("cas", nk, it.Flags, ttl, next, it.CAS, false)))
	o := classify(rec.Code)
	if rec.Code == protocol.CodeNotFound {
		o = NotStored
	}
	if !o.OK() {
		return o, &OpError{Op: "cas", Key: key, Outcome: o, Detail: rec.Line}
	}
	return o, nil
}
