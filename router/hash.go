package router

import (
	"crypto/md5"
	"fmt"
	"hash/crc32"
	"hash/fnv"
	"strings"
)

// Hash selects the function used to turn a key into a 32-bit position.
// It is configured independently of the Distribution.
type Hash int

const (
	HashDefault Hash = iota
	HashCRC
	HashFNV1_32
	HashFNV1_64
	HashFNV1A_32
	HashFNV1A_64
	HashHsieh
	HashMD5
)

var hashNames = []string{"default", "crc", "fnv1_32", "fnv1_64", "fnv1a_32", "fnv1a_64", "hsieh", "md5"}

func (h Hash) String() string {
	if h >= 0 && int(h) < len(hashNames) {
		return hashNames[h]
	}
	return fmt.Sprintf("hash(%d)", int(h))
}

// ParseHash accepts the option names default, crc, fnv1_32, fnv1_64,
// fnv1a_32, fnv1a_64, hsieh and md5.
func ParseHash(name string) (Hash, error) {
	for i, n := range hashNames {
		if strings.EqualFold(n, name) {
			return Hash(i), nil
		}
	}
	return 0, fmt.Errorf("unknown hash %q", name)
}

// Sum hashes key. Unknown Hash values fall back to HashDefault.
func (h Hash) Sum(key string) uint32 {
	switch h {
	case HashCRC:
		return (crc32.ChecksumIEEE([]byte(key)) >> 16) & 0x7fff
	case HashFNV1_32:
		f := fnv.New32()
		f.Write([]byte(key))
		return f.Sum32()
	case HashFNV1_64:
		f := fnv.New64()
		f.Write([]byte(key))
		return uint32(f.Sum64())
	case HashFNV1A_32:
		f := fnv.New32a()
		f.Write([]byte(key))
		return f.Sum32()
	case HashFNV1A_64:
		f := fnv.New64a()
		f.Write([]byte(key))
		return uint32(f.Sum64())
	case HashHsieh:
		return hsieh(key)
	case HashMD5:
		// first four digest bytes, little endian, as the legacy clients do
		d := md5.Sum([]byte(key))
		return uint32(d[3])<<24 | uint32(d[2])<<16 | uint32(d[1])<<8 | uint32(d[0])
	}
	return oneAtATime(key)
}

// oneAtATime is Jenkins' one-at-a-time hash. Bytes are sign-extended like
// the C char the legacy clients hash.
func oneAtATime(key string) uint32 {
	var v uint32
	for i := 0; i < len(key); i++ {
		v += uint32(int8(key[i]))
		v += v << 10
		v ^= v >> 6
	}
	v += v << 3
	v ^= v >> 11
	v += v << 15
	return v
}

func get16(s string, i int) uint32 {
	return uint32(s[i]) | uint32(s[i+1])<<8
}

// hsieh is Paul Hsieh's SuperFastHash.
func hsieh(key string) uint32 {
	n := len(key)
	if n == 0 {
		return 0
	}
	h := uint32(n)
	i := 0
	for rem := n >> 2; rem > 0; rem-- {
		h += get16(key, i)
		tmp := (get16(key, i+2) << 11) ^ h
		h = (h << 16) ^ tmp
		i += 4
		h += h >> 11
	}
	switch n & 3 {
	case 3:
		h += get16(key, i)
		h ^= h << 16
		h ^= uint32(int8(key[i+2])) << 18
		h += h >> 11
	case 2:
		h += get16(key, i)
		h ^= h << 11
		h += h >> 17
	case 1:
		h += uint32(int8(key[i]))
		h ^= h << 10
		h += h >> 1
	}
	h ^= h << 3
	h += h >> 5
	h ^= h << 4
	h += h >> 17
	h ^= h << 25
	h += h >> 6
	return h
}
