package stratum

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"testing"
	"time"
)

// stubConn is an in-memory net.Conn that serves reads from a buffer and
// discards writes. The embedded Conn stays nil; no other method is hit.
type stubConn struct {
	net.Conn
	r *bytes.Reader
}

func (c *stubConn) Read(p []byte) (int, error)         { return c.r.Read(p) }
func (c *stubConn) Write(p []byte) (int, error)        { return len(p), nil }
func (c *stubConn) Close() error                       { return nil }
func (c *stubConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *stubConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (c *stubConn) SetDeadline(time.Time) error        { return nil }
func (c *stubConn) SetReadDeadline(time.Time) error    { return nil }
func (c *stubConn) SetWriteDeadline(time.Time) error   { return nil }

// drainConn reads conn to EOF with a fixed buffer size, collecting
// everything seen.
func drainConn(t *testing.T, conn net.Conn, bufSize int) []byte {
	t.Helper()
	buf := make([]byte, bufSize)
	var out []byte
	for {
		n, err := conn.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
}

func TestPrefixConn_ReplaysPrefixThenRest(t *testing.T) {
	conn := &prefixConn{
		Conn:   &stubConn{r: bytes.NewReader([]byte("world"))},
		prefix: []byte("hello "),
	}

	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Errorf("got %q, want %q", got, "hello world")
	}
}

func TestPrefixConn_OneByteReads(t *testing.T) {
	// A one-byte buffer forces a read that lands exactly on the
	// prefix/underlying boundary.
	conn := &prefixConn{
		Conn:   &stubConn{r: bytes.NewReader([]byte("BC"))},
		prefix: []byte("A"),
	}

	if got := drainConn(t, conn, 1); string(got) != "ABC" {
		t.Errorf("got %q, want %q", got, "ABC")
	}
}

func TestPrefixConn_ConsumedPrefix(t *testing.T) {
	conn := &prefixConn{
		Conn:   &stubConn{r: bytes.NewReader([]byte("data"))},
		prefix: []byte{},
		read:   true,
	}

	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "data" {
		t.Errorf("got %q, want %q", got, "data")
	}
}

func TestSingleConnListener_SecondAcceptBlocksUntilClose(t *testing.T) {
	sc := &stubConn{r: bytes.NewReader(nil)}
	l := &singleConnListener{conn: sc, done: make(chan struct{})}

	c, err := l.Accept()
	if err != nil {
		t.Fatal(err)
	}
	if c != sc {
		t.Error("first Accept did not hand back the wrapped conn")
	}

	accepted := make(chan error, 1)
	go func() {
		_, err := l.Accept()
		accepted <- err
	}()

	select {
	case <-accepted:
		t.Fatal("second Accept returned while listener still open")
	case <-time.After(50 * time.Millisecond):
	}

	l.Close()

	select {
	case err := <-accepted:
		if err != net.ErrClosed {
			t.Errorf("second Accept err = %v, want net.ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second Accept still blocked after Close")
	}
}

func TestSingleConnListener_CloseIdempotent(t *testing.T) {
	l := &singleConnListener{
		conn: &stubConn{r: bytes.NewReader(nil)},
		done: make(chan struct{}),
	}
	l.Close()
	l.Close()
}

func TestServer_SharesPortWithHTTP(t *testing.T) {
	srv := NewServer(1.0, testLogger())
	srv.SetHTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	}))

	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()
	addr := srv.listener.Addr().String()

	// A plain GET routes to the HTTP handler.
	resp, err := http.Get("http://" + addr + "/")
	if err != nil {
		t.Fatalf("HTTP GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "OK" {
		t.Errorf("HTTP body = %q, want %q", body, "OK")
	}

	// A line starting with '{' stays on the stratum side.
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(`{"id":1,"method":"mining.subscribe","params":["test/1.0"]}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n == 0 {
		t.Fatal("empty response on stratum connection")
	}
	if buf[0] == 'H' {
		t.Error("stratum connection answered with an HTTP status line")
	}
}

func TestServer_NonStratumBytesWithoutHTTPHandler(t *testing.T) {
	// With no HTTP handler installed, a connection that does not open
	// with '{' still goes down the stratum path. The parse fails and the
	// connection drops; nothing should panic.
	srv := NewServer(1.0, testLogger())

	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	conn, err := net.DialTimeout("tcp", srv.listener.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("GET / HTTP/1.1\r\nHost: test\r\n\r\n"))
	conn.SetReadDeadline(time.Now().Add(time.Second))

	buf := make([]byte, 1024)
	conn.Read(buf)
}
