package eventloop

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestRegisterAndDispatch(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	fds, err := unixPipe()
	if err != nil {
		t.Fatal(err)
	}
	r, w := fds[0], fds[1]
	defer unix.Close(r)
	defer unix.Close(w)

	fired := false
	if err := l.Register(r, func(revents uint32) {
		fired = true
		buf := make([]byte, 16)
		_, _ = unix.Read(r, buf)
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := unix.Write(w, []byte("hi")); err != nil {
		t.Fatal(err)
	}

	n, err := l.RunOnce(1000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 dispatched fd, got %d", n)
	}
	if !fired {
		t.Fatal("handler was not invoked")
	}
}

func TestDeregisterStopsDispatch(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	fds, err := unixPipe()
	if err != nil {
		t.Fatal(err)
	}
	r, w := fds[0], fds[1]
	defer unix.Close(r)
	defer unix.Close(w)

	if err := l.Register(r, func(uint32) {}); err != nil {
		t.Fatal(err)
	}
	if err := l.Deregister(r); err != nil {
		t.Fatal(err)
	}
	if _, err := unix.Write(w, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	n, err := l.RunOnce(200)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected no dispatch after deregister, got %d", n)
	}
}

func unixPipe() ([2]int, error) {
	var fds [2]int
	err := unix.Pipe(fds[:])
	return fds, err
}
