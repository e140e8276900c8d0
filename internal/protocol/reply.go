package protocol

import (
	"bytes"
	"fmt"
	"strconv"
)

// Record is one parsed reply unit: a VALUE block, a STAT line, or a status line.
type Record struct {
	Code  Code
	Key   string
	Flags uint32
	CAS   uint64
	Value []byte
	// Line is the trimmed status line, kept for error messages.
	Line string
}

var (
	prefixValue       = []byte("VALUE ")
	prefixStat        = []byte("STAT ")
	prefixClientError = []byte("CLIENT_ERROR")
	prefixServerError = []byte("SERVER_ERROR")
)

// StatusCode maps a single status line to its raw code.
func StatusCode(line []byte) Code {
	line = bytes.TrimRight(line, "\r\n")
	switch string(line) {
	case "STORED":
		return CodeStored
	case "NOT_STORED":
		return CodeNotStored
	case "EXISTS":
		return CodeDataExists
	case "NOT_FOUND":
		return CodeNotFound
	case "DELETED":
		return CodeDeleted
	case "END":
		return CodeEnd
	case "OK", "TOUCHED":
		return CodeSuccess
	case "ERROR":
		return CodeProtocolError
	}
	switch {
	case bytes.HasPrefix(line, prefixClientError):
		return CodeClientError
	case bytes.HasPrefix(line, prefixServerError):
		return CodeServerError
	case bytes.HasPrefix(line, prefixValue):
		return CodeValue
	case bytes.HasPrefix(line, prefixStat):
		return CodeStat
	case isDigits(line):
		return CodeSuccess
	}
	return CodeUnknownRead
}

func isDigits(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// ParseValueHeader parses "VALUE <key> <flags> <bytes> [<cas>]".
func ParseValueHeader(line []byte) (r Record, size int, err error) {
	fields := bytes.Fields(line)
	if len(fields) != 4 && len(fields) != 5 {
		return r, 0, fmt.Errorf("malformed value header %q", line)
	}
	flags, err := strconv.ParseUint(string(fields[2]), 10, 32)
	if err != nil {
		return r, 0, fmt.Errorf("malformed flags in %q: %w", line, err)
	}
	size, err = strconv.Atoi(string(fields[3]))
	if err != nil || size < 0 {
		return r, 0, fmt.Errorf("malformed size in %q", line)
	}
	r = Record{Code: CodeValue, Key: string(fields[1]), Flags: uint32(flags)}
	if len(fields) == 5 {
		if r.CAS, err = strconv.ParseUint(string(fields[4]), 10, 64); err != nil {
			return r, 0, fmt.Errorf("malformed cas in %q: %w", line, err)
		}
	}
	return r, size, nil
}

// ParseStat parses "STAT <name> <value>"; the value may contain spaces.
func ParseStat(line []byte) (Record, error) {
	line = bytes.TrimRight(line, "\r\n")
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) < 2 {
		return Record{}, fmt.Errorf("malformed stat line %q", line)
	}
	r := Record{Code: CodeStat, Key: string(parts[1])}
	if len(parts) == 3 {
		r.Value = parts[2]
	}
	return r, nil
}
