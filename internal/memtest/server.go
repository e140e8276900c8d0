// Package memtest provides a small in-process memcached text-protocol server
// for tests. It implements the storage, retrieval, delete, arithmetic and
// stats commands, plus touch, with the reply lines memcached 1.6 uses.
package memtest

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
)

type item struct {
	value []byte
	flags uint32
	cas   uint64
}

// Server is a memcached stand-in listening on 127.0.0.1.
type Server struct {
	listener net.Listener

	mu      sync.Mutex
	items   map[string]item
	nextCAS uint64
	hold    chan struct{}
	conns   map[net.Conn]struct{}
	cmds    int
	wg      sync.WaitGroup
}

// Start launches a server on an ephemeral port and registers cleanup on t.
func Start(t testing.TB) *Server {
	t.Helper()
	s, err := Listen()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Stop)
	return s
}

func Listen() (*Server, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s := &Server{
		listener: l,
		items:    make(map[string]item),
		conns:    make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Addr returns the "ip:port" the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() {
	_ = s.listener.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	if s.hold != nil {
		close(s.hold)
		s.hold = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Hold delays replies to retrieval commands until Release is called.
func (s *Server) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hold == nil {
		s.hold = make(chan struct{})
	}
}

func (s *Server) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hold != nil {
		close(s.hold)
		s.hold = nil
	}
}

// Peek returns the stored value for key without going through the protocol.
func (s *Server) Peek(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	return it.value, ok
}

// Commands returns how many commands the server has executed.
func (s *Server) Commands() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmds
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	for {
		line, err := rw.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if err := s.execute(fields, rw); err != nil {
			return
		}
		if err := rw.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) execute(fields []string, rw *bufio.ReadWriter) error {
	s.mu.Lock()
	s.cmds++
	s.mu.Unlock()

	noreply := fields[len(fields)-1] == "noreply"
	if noreply {
		fields = fields[:len(fields)-1]
	}
	reply := func(format string, args ...any) {
		if !noreply {
			fmt.Fprintf(rw, format, args...)
		}
	}

	switch cmd := fields[0]; cmd {
	case "get", "gets":
		s.waitHold()
		return s.retrieve(cmd == "gets", fields[1:], rw)
	case "set", "add", "replace", "append", "prepend", "cas":
		return s.store(cmd, fields, rw, reply)
	case "delete":
		if len(fields) < 2 {
			reply("ERROR\r\n")
			return nil
		}
		s.mu.Lock()
		_, ok := s.items[fields[1]]
		delete(s.items, fields[1])
		s.mu.Unlock()
		if ok {
			reply("DELETED\r\n")
		} else {
			reply("NOT_FOUND\r\n")
		}
	case "touch":
		if len(fields) != 3 {
			reply("ERROR\r\n")
			return nil
		}
		s.mu.Lock()
		_, ok := s.items[fields[1]]
		s.mu.Unlock()
		if ok {
			reply("TOUCHED\r\n")
		} else {
			reply("NOT_FOUND\r\n")
		}
	case "incr", "decr":
		s.arith(cmd, fields, reply)
	case "stats":
		s.mu.Lock()
		n := len(s.items)
		s.mu.Unlock()
		fmt.Fprintf(rw, "STAT pid %d\r\n", os.Getpid())
		fmt.Fprintf(rw, "STAT version 1.6.0-memtest\r\n")
		fmt.Fprintf(rw, "STAT curr_items %d\r\n", n)
		fmt.Fprintf(rw, "STAT rusage_user 0.123456\r\n")
		fmt.Fprintf(rw, "STAT libevent 2.1.12-stable\r\n")
		fmt.Fprintf(rw, "END\r\n")
	case "flush_all":
		s.mu.Lock()
		s.items = make(map[string]item)
		s.mu.Unlock()
		reply("OK\r\n")
	case "version":
		fmt.Fprintf(rw, "VERSION 1.6.0-memtest\r\n")
	default:
		reply("ERROR\r\n")
	}
	return nil
}

func (s *Server) waitHold() {
	s.mu.Lock()
	h := s.hold
	s.mu.Unlock()
	if h != nil {
		<-h
	}
}

func (s *Server) retrieve(withCAS bool, keys []string, rw *bufio.ReadWriter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		it, ok := s.items[k]
		if !ok {
			continue
		}
		if withCAS {
			fmt.Fprintf(rw, "VALUE %s %d %d %d\r\n", k, it.flags, len(it.value), it.cas)
		} else {
			fmt.Fprintf(rw, "VALUE %s %d %d\r\n", k, it.flags, len(it.value))
		}
		rw.Write(it.value)
		rw.WriteString("\r\n")
	}
	_, err := rw.WriteString("END\r\n")
	return err
}

func (s *Server) store(cmd string, fields []string, rw *bufio.ReadWriter, reply func(string, ...any)) error {
	want := 5
	if cmd == "cas" {
		want = 6
	}
	if len(fields) != want {
		reply("ERROR\r\n")
		return nil
	}
	flags, err1 := strconv.ParseUint(fields[2], 10, 32)
	size, err2 := strconv.Atoi(fields[4])
	if err1 != nil || err2 != nil || size < 0 {
		reply("CLIENT_ERROR bad command line format\r\n")
		return nil
	}
	data := make([]byte, size+2)
	if _, err := io.ReadFull(rw, data); err != nil {
		return err
	}
	if string(data[size:]) != "\r\n" {
		reply("CLIENT_ERROR bad data chunk\r\n")
		return nil
	}
	value := data[:size]
	key := fields[1]

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.items[key]
	switch cmd {
	case "add":
		if exists {
			reply("NOT_STORED\r\n")
			return nil
		}
	case "replace", "append", "prepend":
		if !exists {
			reply("NOT_STORED\r\n")
			return nil
		}
	case "cas":
		if !exists {
			reply("NOT_FOUND\r\n")
			return nil
		}
		token, err := strconv.ParseUint(fields[5], 10, 64)
		if err != nil {
			reply("CLIENT_ERROR bad command line format\r\n")
			return nil
		}
		if token != cur.cas {
			reply("EXISTS\r\n")
			return nil
		}
	}
	switch cmd {
	case "append":
		value = append(append([]byte{}, cur.value...), value...)
		flags = uint64(cur.flags)
	case "prepend":
		value = append(append([]byte{}, value...), cur.value...)
		flags = uint64(cur.flags)
	}
	s.nextCAS++
	s.items[key] = item{value: value, flags: uint32(flags), cas: s.nextCAS}
	reply("STORED\r\n")
	return nil
}

func (s *Server) arith(cmd string, fields []string, reply func(string, ...any)) {
	if len(fields) != 3 {
		reply("ERROR\r\n")
		return
	}
	delta, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		reply("CLIENT_ERROR invalid numeric delta argument\r\n")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[fields[1]]
	if !ok {
		reply("NOT_FOUND\r\n")
		return
	}
	cur, err := strconv.ParseUint(string(it.value), 10, 64)
	if err != nil {
		reply("CLIENT_ERROR cannot increment or decrement non-numeric value\r\n")
		return
	}
	if cmd == "incr" {
		cur += delta
	} else if delta > cur {
		cur = 0
	} else {
		cur -= delta
	}
	s.nextCAS++
	it.value = []byte(strconv.FormatUint(cur, 10))
	it.cas = s.nextCAS
	s.items[fields[1]] = it
	reply("%d\r\n", cur)
}
