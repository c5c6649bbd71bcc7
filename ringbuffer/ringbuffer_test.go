package ringbuffer

import (
	"bytes"
	"math/rand/v2"
	"sync"
	"testing"
)

func TestPutDropsBeyondCapacity(t *testing.T) {
	rb := New(8)
	if n := rb.Put([]byte("hello")); n != 5 {
		t.Fatalf("first put accepted %d, want 5", n)
	}
	if n := rb.Put([]byte("world")); n != 3 {
		t.Fatalf("second put accepted %d, want 3", n)
	}
	if rb.Size() != 8 || rb.Remaining() != 0 {
		t.Fatalf("size=%d remaining=%d, want 8/0", rb.Size(), rb.Remaining())
	}
	if got := rb.Get(0, 8); !bytes.Equal(got, []byte("hellowor")) {
		t.Fatalf("got %q", got)
	}
	if n := rb.Put([]byte("x")); n != 0 {
		t.Fatalf("put into full buffer accepted %d", n)
	}
}

func TestGetBounds(t *testing.T) {
	rb := New(16)
	rb.Put([]byte("0123456789"))

	tests := []struct {
		start, length int
		want          string
	}{
		{0, 4, "0123"},
		{4, 100, "456789"},
		{9, 1, "9"},
		{10, 1, ""},
		{50, 5, ""},
		{3, 0, ""},
		{-1, 3, ""},
	}
	for _, tc := range tests {
		got := rb.Get(tc.start, tc.length)
		if string(got) != tc.want {
			t.Errorf("Get(%d, %d) = %q, want %q", tc.start, tc.length, got, tc.want)
		}
	}
	if rb.Size() != 10 {
		t.Fatalf("Get mutated the buffer: size=%d", rb.Size())
	}
}

func TestAdvanceClamps(t *testing.T) {
	rb := New(4)
	rb.Put([]byte("ab"))
	rb.Advance(10)
	if rb.Size() != 0 {
		t.Fatalf("size after over-advance = %d", rb.Size())
	}
	rb.Advance(-3)
	if n := rb.Put([]byte("wxyz")); n != 4 {
		t.Fatalf("put after clamp accepted %d", n)
	}
	if got := rb.Get(0, 4); string(got) != "wxyz" {
		t.Fatalf("got %q", got)
	}
}

func TestConservation(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	rb := New(37)
	accepted, advanced := 0, 0
	for i := 0; i < 5000; i++ {
		if rng.IntN(2) == 0 {
			accepted += rb.Put(make([]byte, rng.IntN(20)))
		} else {
			before := rb.Size()
			off := rng.IntN(20)
			rb.Advance(off)
			advanced += before - rb.Size()
		}
		if rb.Size() != accepted-advanced {
			t.Fatalf("step %d: size=%d, accepted-advanced=%d", i, rb.Size(), accepted-advanced)
		}
		if rb.Size() > rb.Capacity() {
			t.Fatalf("step %d: size %d exceeds capacity", i, rb.Size())
		}
	}
}

func TestWraparoundRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	src := make([]byte, 10000)
	for i := range src {
		src[i] = byte(rng.Uint32())
	}

	rb := New(100)
	var out []byte
	written := 0
	for len(out) < len(src) {
		if written < len(src) {
			chunk := min(rng.IntN(60)+1, len(src)-written)
			written += rb.Put(src[written : written+chunk])
		}
		got := rb.Get(0, rng.IntN(50)+1)
		out = append(out, got...)
		rb.Advance(len(got))
	}
	if !bytes.Equal(out, src) {
		t.Fatal("bytes read back differ from bytes written")
	}
}

func TestConcurrentAccess(t *testing.T) {
	rb := New(64)
	const total = 20000

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		next := byte(0)
		for sent := 0; sent < total; {
			if rb.Put([]byte{next}) == 1 {
				next++
				sent++
			}
		}
	}()

	errc := make(chan error, 1)
	go func() {
		defer wg.Done()
		want := byte(0)
		for recv := 0; recv < total; {
			got := rb.Get(0, 16)
			for _, b := range got {
				if b != want {
					select {
					case errc <- errMismatch:
					default:
					}
					want = b
				}
				want++
			}
			rb.Advance(len(got))
			recv += len(got)
		}
	}()
	wg.Wait()

	select {
	case err := <-errc:
		t.Fatal(err)
	default:
	}
	if rb.Size() != 0 {
		t.Fatalf("size after drain = %d", rb.Size())
	}
}

type mismatchError struct{}

func (mismatchError) Error() string { return "reader observed out-of-order byte" }

var errMismatch = mismatchError{}
