package stratum

import (
	"bytes"
	"io"
	"testing"
)

// FuzzPrefixConn checks the invariant the port mux depends on: however
// the reads are sized, a prefixConn yields prefix followed by the
// underlying stream, byte for byte.
func FuzzPrefixConn(f *testing.F) {
	f.Add([]byte("G"), []byte("ET / HTTP/1.1\r\n"), 1)
	f.Add([]byte("{"), []byte(`"id":1}`), 4096)
	f.Add([]byte("AB"), []byte("CDEF"), 2)
	f.Add([]byte{}, []byte("hello"), 1)
	f.Add([]byte("x"), []byte{}, 1)
	f.Add([]byte("a fairly long sniffed prefix for the mux"), []byte("then payload"), 3)

	f.Fuzz(func(t *testing.T, prefix, rest []byte, bufSize int) {
		if bufSize <= 0 {
			bufSize = 1
		}
		if bufSize > 4096 {
			bufSize = 4096
		}

		conn := &prefixConn{
			Conn:   &stubConn{r: bytes.NewReader(rest)},
			prefix: append([]byte{}, prefix...),
		}
		want := append(append([]byte{}, prefix...), rest...)

		buf := make([]byte, bufSize)
		var got []byte
		for {
			n, err := conn.Read(buf)
			got = append(got, buf[:n]...)
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("read: %v", err)
			}
		}

		if !bytes.Equal(got, want) {
			t.Errorf("stream mismatch: prefix=%d rest=%d bufSize=%d: got %d bytes, want %d",
				len(prefix), len(rest), bufSize, len(got), len(want))
		}
	})
}
