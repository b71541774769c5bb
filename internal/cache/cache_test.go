package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestMemoryProviderSetNXAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryProvider()
	c.SetClock(func() time.Time { return now })

	ok, err := c.SetNX(ctx, "cooldown:svc:latency_ms", []byte("a"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first SetNX to succeed, got %v %v", ok, err)
	}
	ok, _ = c.SetNX(ctx, "cooldown:svc:latency_ms", []byte("b"), time.Minute)
	if ok {
		t.Fatalf("expected second SetNX to be refused while live")
	}

	now = now.Add(2 * time.Minute)
	if _, err := c.Get(ctx, "cooldown:svc:latency_ms"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected expired entry to miss, got %v", err)
	}
	ok, _ = c.SetNX(ctx, "cooldown:svc:latency_ms", []byte("c"), time.Minute)
	if !ok {
		t.Fatalf("expected SetNX after expiry to succeed")
	}
}

func TestMemoryProviderCopiesValues(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryProvider()
	value := []byte("abc")
	_ = c.Set(ctx, "k", value, 0)
	value[0] = 'z'

	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("expected stored copy, got %q", got)
	}
	_ = c.Del(ctx, "k")
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete")
	}
}

// fakeValkey speaks enough RESP for PING, GET, SET [PX ms] [NX] and DEL.
type fakeValkey struct {
	mu   sync.Mutex
	data map[string]string
	ln   net.Listener
}

func startFakeValkey(t *testing.T) *fakeValkey {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeValkey{data: map[string]string{}, ln: ln}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeValkey) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeValkey) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		fmt.Fprint(conn, f.exec(args))
	}
}

func (f *fakeValkey) exec(args []string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch strings.ToUpper(args[0]) {
	case "PING":
		return "+PONG\r\n"
	case "GET":
		v, ok := f.data[args[1]]
		if !ok {
			return "$-1\r\n"
		}
		return fmt.Sprintf("$%d\r\n%s\r\n", len(v), v)
	case "SET":
		nx := strings.EqualFold(args[len(args)-1], "NX")
		if _, exists := f.data[args[1]]; nx && exists {
			return "$-1\r\n"
		}
		f.data[args[1]] = args[2]
		return "+OK\r\n"
	case "DEL":
		delete(f.data, args[1])
		return ":1\r\n"
	}
	return "-ERR unknown command\r\n"
}

func readCommand(r *bufio.Reader) ([]string, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(header, "*")))
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(sizeLine, "$")))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func TestValkeyProviderRoundTrip(t *testing.T) {
	fake := startFakeValkey(t)
	ctx := context.Background()

	p, err := NewValkeyProvider(ctx, ValkeyConfig{Addr: fake.ln.Addr().String(), KeyPrefix: "autopilot:"})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	ok, err := p.SetNX(ctx, "cooldown:a", []byte("mark"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected SetNX success, got %v %v", ok, err)
	}
	ok, err = p.SetNX(ctx, "cooldown:a", []byte("mark"), time.Minute)
	if err != nil || ok {
		t.Fatalf("expected SetNX refusal, got %v %v", ok, err)
	}
	got, err := p.Get(ctx, "cooldown:a")
	if err != nil || string(got) != "mark" {
		t.Fatalf("unexpected get result %q %v", got, err)
	}
	fake.mu.Lock()
	_, stored := fake.data["autopilot:cooldown:a"]
	fake.mu.Unlock()
	if !stored {
		t.Fatalf("expected prefixed key to be stored")
	}
	if err := p.Del(ctx, "cooldown:a"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := p.Get(ctx, "cooldown:a"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}

func TestValkeyProviderRequiresAddr(t *testing.T) {
	if _, err := NewValkeyProvider(context.Background(), ValkeyConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}

func TestPingSkipsLocalProviders(t *testing.T) {
	if err := Ping(context.Background(), NewMemoryProvider()); err != nil {
		t.Fatalf("memory provider ping: %v", err)
	}
}
