package protocol

import (
	"strconv"

	"github.com/valyala/bytebufferpool"
)

// Kind tells the reply reader how many lines belong to a request.
type Kind int

const (
	// KindStore expects a single STORED/NOT_STORED/EXISTS/NOT_FOUND line.
	KindStore Kind = iota
	// KindDelete expects DELETED, TOUCHED or NOT_FOUND.
	KindDelete
	// KindArith expects the new numeric value or NOT_FOUND.
	KindArith
	// KindRetrieve expects zero or more VALUE blocks terminated by END.
	KindRetrieve
	// KindStats expects zero or more STAT lines terminated by END.
	KindStats
)

func (k Kind) String() string {
	switch k {
	case KindStore:
		return "store"
	case KindDelete:
		return "delete"
	case KindArith:
		return "arith"
	case KindRetrieve:
		return "retrieve"
	case KindStats:
		return "stats"
	}
	return "unknown"
}

// Request is an encoded command plus what the reader should expect back.
type Request struct {
	Kind    Kind
	Payload []byte
	// NoReply requests carry the noreply token; the server sends nothing back.
	NoReply bool
}

var crlf = []byte("\r\n")

// MaxKeyLength is the longest key the text protocol accepts.
const MaxKeyLength = 250

// LegalKey reports whether key can be sent on the text protocol.
func LegalKey(key string) bool {
	if len(key) == 0 || len(key) > MaxKeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] == 0x7f {
			return false
		}
	}
	return true
}

func finish(buf *bytebufferpool.ByteBuffer) []byte {
	out := make([]byte, len(buf.B))
	copy(out, buf.B)
	bytebufferpool.Put(buf)
	return out
}

// Storage encodes set/add/replace/append/prepend/cas.
// cas is only written for the "cas" verb.
func Storage(verb, key string, flags uint32, ttl int, value []byte, cas uint64, noreply bool) Request {
	buf := bytebufferpool.Get()
	buf.B = append(buf.B, verb...)
	buf.B = append(buf.B, ' ')
	buf.B = append(buf.B, key...)
	buf.B = append(buf.B, ' ')
	buf.B = strconv.AppendUint(buf.B, uint64(flags), 10)
	buf.B = append(buf.B, ' ')
	buf.B = strconv.AppendInt(buf.B, int64(ttl), 10)
	buf.B = append(buf.B, ' ')
	buf.B = strconv.AppendInt(buf.B, int64(len(value)), 10)
	if verb == "cas" {
		buf.B = append(buf.B, ' ')
		buf.B = strconv.AppendUint(buf.B, cas, 10)
	}
	if noreply {
		buf.B = append(buf.B, " noreply"...)
	}
	buf.B = append(buf.B, crlf...)
	buf.B = append(buf.B, value...)
	buf.B = append(buf.B, crlf...)
	return Request{Kind: KindStore, Payload: finish(buf), NoReply: noreply}
}

// Retrieval encodes a get or gets for one or more keys.
func Retrieval(verb string, keys []string) Request {
	buf := bytebufferpool.Get()
	//nolint:errcheck
	buf.WriteString(verb)
	for _, k := range keys {
		//nolint:errcheck
		buf.WriteByte(' ')
		//nolint:errcheck
		buf.WriteString(k)
	}
	buf.B = append(buf.B, crlf...)
	return Request{Kind: KindRetrieve, Payload: finish(buf)}
}

func Delete(key string, noreply bool) Request {
	buf := bytebufferpool.Get()
	buf.B = append(buf.B, "delete "...)
	buf.B = append(buf.B, key...)
	if noreply {
		buf.B = append(buf.B, " noreply"...)
	}
	buf.B = append(buf.B, crlf...)
	return Request{Kind: KindDelete, Payload: finish(buf), NoReply: noreply}
}

// Arith encodes incr or decr.
func Arith(verb, key string, delta uint64, noreply bool) Request {
	buf := bytebufferpool.Get()
	buf.B = append(buf.B, verb...)
	buf.B = append(buf.B, ' ')
	buf.B = append(buf.B, key...)
	buf.B = append(buf.B, ' ')
	buf.B = strconv.AppendUint(buf.B, delta, 10)
	if noreply {
		buf.B = append(buf.B, " noreply"...)
	}
	buf.B = append(buf.B, crlf...)
	return Request{Kind: KindArith, Payload: finish(buf), NoReply: noreply}
}

func Stats() Request {
	return Request{Kind: KindStats, Payload: []byte("stats\r\n")}
}

// Touch encodes a touch, which resets a key's expiry.
func Touch(key string, ttl int, noreply bool) Request {
	buf := bytebufferpool.Get()
	buf.B = append(buf.B, "touch "...)
	buf.B = append(buf.B, key...)
	buf.B = append(buf.B, ' ')
	buf.B = strconv.AppendInt(buf.B, int64(ttl), 10)
	if noreply {
		buf.B = append(buf.B, " noreply"...)
	}
	buf.B = append(buf.B, crlf...)
	return Request{Kind: KindDelete, Payload: finish(buf), NoReply: noreply}
}
