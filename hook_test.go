package weft

import (
	"bytes"
	"context"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// newTestSocketpair returns a connected AF_UNIX stream pair with cleanup.
func newTestSocketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
		DefaultFdRegistry().Del(fds[0])
		DefaultFdRegistry().Del(fds[1])
	})
	return fds[0], fds[1]
}

// runInFiber schedules fn on the manager and waits for it to finish.
func runInFiber(t *testing.T, m *IOManager, fn func(ctx context.Context)) {
	t.Helper()
	done := make(chan struct{})
	m.Schedule(FuncTask(func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fiber did not finish")
	}
}

func TestHook_PassThrough(t *testing.T) {
	t.Run("Read Without Fiber", func(t *testing.T) {
		rd, wr := newTestPipe(t)
		if _, err := unix.Write(wr, []byte("raw")); err != nil {
			t.Fatalf("write: %v", err)
		}

		buf := make([]byte, 8)
		n, err := Read(context.Background(), rd, buf)
		if err != nil || n != 3 {
			t.Fatalf("pass-through read: n=%d err=%v", n, err)
		}
		if !bytes.Equal(buf[:n], []byte("raw")) {
			t.Errorf("pass-through read payload: %q", buf[:n])
		}
	})

	t.Run("Sleep Without Fiber", func(t *testing.T) {
		t0 := time.Now()
		Sleep(context.Background(), 20*time.Millisecond)
		if elapsed := time.Since(t0); elapsed < 20*time.Millisecond {
			t.Errorf("pass-through sleep returned after %v", elapsed)
		}
	})
}

func TestHook_ParkedReadWakesOnData(t *testing.T) {
	m := newTestIOManager(t, 2)
	a, b := newTestSocketpair(t)

	payload := []byte("over the loom")
	got := make(chan []byte, 1)

	runInFiber(t, m, func(ctx context.Context) {
		// Writer fiber delivers after the reader has parked.
		m.Schedule(FuncTask(func(ctx context.Context) {
			Sleep(ctx, 50*time.Millisecond)
			if _, err := Write(ctx, b, payload); err != nil {
				t.Errorf("hooked write: %v", err)
			}
		}))

		buf := make([]byte, 64)
		n, err := Read(ctx, a, buf)
		if err != nil {
			t.Errorf("hooked read: %v", err)
			return
		}
		got <- append([]byte(nil), buf[:n]...)
	})

	select {
	case data := <-got:
		if !bytes.Equal(data, payload) {
			t.Errorf("read %q, want %q", data, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parked read never completed")
	}
}

func TestHook_RecvTimeout(t *testing.T) {
	m := newTestIOManager(t, 1)
	a, _ := newTestSocketpair(t)

	runInFiber(t, m, func(ctx context.Context) {
		tv := unix.Timeval{Usec: 100_000} // 100ms
		if err := SetsockoptTimeval(ctx, a, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			t.Errorf("setsockopt: %v", err)
			return
		}

		t0 := time.Now()
		buf := make([]byte, 8)
		n, err := Read(ctx, a, buf)
		elapsed := time.Since(t0)

		if err != unix.ETIMEDOUT {
			t.Errorf("expected ETIMEDOUT, got n=%d err=%v", n, err)
		}
		if elapsed < 100*time.Millisecond || elapsed > 500*time.Millisecond {
			t.Errorf("100ms recv timeout took %v", elapsed)
		}
	})
}

func TestHook_TimeoutRecordedNotKernel(t *testing.T) {
	m := newTestIOManager(t, 1)
	a, _ := newTestSocketpair(t)

	runInFiber(t, m, func(ctx context.Context) {
		tv := unix.Timeval{Sec: 2}
		if err := SetsockoptTimeval(ctx, a, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
			t.Errorf("setsockopt: %v", err)
			return
		}

		fc := m.Registry().Get(a, false)
		if fc == nil {
			t.Error("no registry entry after setsockopt")
			return
		}
		if d := fc.Timeout(EventWrite); d != 2*time.Second {
			t.Errorf("send timeout recorded as %v", d)
		}

		// The kernel never saw the option.
		ktv, err := unix.GetsockoptTimeval(a, unix.SOL_SOCKET, unix.SO_SNDTIMEO)
		if err == nil && (ktv.Sec != 0 || ktv.Usec != 0) {
			t.Errorf("timeout leaked to the kernel socket: %+v", ktv)
		}
	})
}

func TestHook_NonblockRoundTrip(t *testing.T) {
	m := newTestIOManager(t, 1)
	a, _ := newTestSocketpair(t)

	runInFiber(t, m, func(ctx context.Context) {
		// Touch the fd once so the registry manages it.
		if fc := m.Registry().Get(a, true); fc == nil {
			t.Error("registry refused the socket")
			return
		}

		for _, want := range []bool{true, false, true} {
			if err := SetNonblock(ctx, a, want); err != nil {
				t.Errorf("SetNonblock(%v): %v", want, err)
				return
			}
			got, err := IsNonblock(ctx, a)
			if err != nil {
				t.Errorf("IsNonblock: %v", err)
				return
			}
			if got != want {
				t.Errorf("user nonblock round-trip: set %v, got %v", want, got)
			}

			// The kernel flag stays framework-owned regardless.
			flags, err := unix.FcntlInt(uintptr(a), unix.F_GETFL, 0)
			if err != nil {
				t.Errorf("fcntl: %v", err)
				return
			}
			if flags&unix.O_NONBLOCK == 0 {
				t.Error("framework lost the kernel O_NONBLOCK flag")
			}
		}
	})
}

func TestHook_UserNonblockBypassesParking(t *testing.T) {
	m := newTestIOManager(t, 1)
	a, _ := newTestSocketpair(t)

	runInFiber(t, m, func(ctx context.Context) {
		if err := SetNonblock(ctx, a, true); err != nil {
			t.Errorf("SetNonblock: %v", err)
			return
		}

		buf := make([]byte, 8)
		n, err := Read(ctx, a, buf)
		if err != unix.EAGAIN {
			t.Errorf("expected immediate EAGAIN for user-nonblocking socket, got n=%d err=%v", n, err)
		}
	})
}

func TestHook_CloseThenRead(t *testing.T) {
	m := newTestIOManager(t, 1)

	runInFiber(t, m, func(ctx context.Context) {
		fd, err := Socket(ctx, unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			t.Errorf("socket: %v", err)
			return
		}
		if err := Close(ctx, fd); err != nil {
			t.Errorf("close: %v", err)
			return
		}

		buf := make([]byte, 8)
		if _, err := Read(ctx, fd, buf); err != unix.EBADF {
			t.Errorf("expected EBADF reading a closed fd, got %v", err)
		}
	})
}

func TestHook_ConnectTimeoutScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("external network probe")
	}

	m := newTestIOManager(t, 1)

	runInFiber(t, m, func(ctx context.Context) {
		fd, err := Socket(ctx, unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			t.Errorf("socket: %v", err)
			return
		}
		defer Close(ctx, fd) //nolint:errcheck

		// Non-routable test address: the SYN disappears and only the
		// framework timeout can end the wait.
		sa := &unix.SockaddrInet4{Port: 80, Addr: [4]byte{10, 255, 255, 1}}

		t0 := time.Now()
		err = ConnectTimeout(ctx, fd, sa, 500*time.Millisecond)
		elapsed := time.Since(t0)

		switch err {
		case unix.ETIMEDOUT:
			if elapsed < 500*time.Millisecond || elapsed > 900*time.Millisecond {
				t.Errorf("500ms connect timeout took %v", elapsed)
			}
		case unix.ENETUNREACH, unix.EHOSTUNREACH, unix.ECONNREFUSED:
			t.Skipf("environment rejects the probe address immediately: %v", err)
		default:
			t.Errorf("expected ETIMEDOUT, got %v after %v", err, elapsed)
		}
	})
}

func TestHook_AcceptRegistersConnection(t *testing.T) {
	m := newTestIOManager(t, 2)

	lfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(lfd)
		DefaultFdRegistry().Del(lfd)
	})
	if err := unix.Bind(lfd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := unix.Listen(lfd, 1); err != nil {
		t.Fatalf("listen: %v", err)
	}
	bound, err := unix.Getsockname(lfd)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	port := bound.(*unix.SockaddrInet4).Port

	go func() {
		cfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		if err != nil {
			return
		}
		defer unix.Close(cfd)
		unix.Connect(cfd, &unix.SockaddrInet4{Port: port, Addr: [4]byte{127, 0, 0, 1}}) //nolint:errcheck
		time.Sleep(200 * time.Millisecond)
	}()

	runInFiber(t, m, func(ctx context.Context) {
		conn, _, err := Accept(ctx, lfd)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer Close(ctx, conn) //nolint:errcheck

		fc := m.Registry().Get(conn, false)
		if fc == nil {
			t.Error("accepted descriptor not registered")
			return
		}
		if !fc.IsSocket() {
			t.Error("accepted descriptor not recognized as a socket")
		}
		if !fc.SysNonblock() {
			t.Error("accepted descriptor not framework non-blocking")
		}
	})
}
