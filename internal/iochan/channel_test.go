package iochan

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestChannelReadRegularFileToEOF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.txt")
	if err := os.WriteFile(path, []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New(path, -1)
	c.Action("opening file")
	if !c.Open(unix.O_RDONLY) {
		t.Fatalf("Open failed: %s", c.Error())
	}
	defer c.Close()

	dest := make([]byte, 64)
	n, err := c.Read(dest, 0, 2*time.Second, 2*time.Second)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(dest[:n]) != "hello\n" {
		t.Fatalf("Read() = %q, want %q", dest[:n], "hello\n")
	}

	n2, err2 := c.Read(dest, 0, 200*time.Millisecond, 200*time.Millisecond)
	if err2 != nil {
		t.Fatalf("second Read() error = %v", err2)
	}
	if n2 != 0 {
		t.Fatalf("second Read() = %d bytes, want 0 at EOF", n2)
	}
	if !c.EndOfFile() {
		t.Fatal("expected EndOfFile() true after reading past the end of a regular file")
	}
}

func TestChannelStickyErrorBlocksFurtherOps(t *testing.T) {
	c := New("/nonexistent/marlinfeed-test-path", -1)
	c.Action("opening file")
	if c.Open(unix.O_RDONLY) {
		t.Fatal("expected Open of a nonexistent path to fail")
	}
	if !c.HasError() {
		t.Fatal("expected HasError() true after failed Open")
	}
	if c.Unlink() {
		t.Fatal("expected Unlink to be a no-op once the channel has an error")
	}
	c.ClearError()
	if c.HasError() {
		t.Fatal("expected HasError() false after ClearError")
	}
}

func TestChannelWriteAllThenReadOverPipe(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	readCh := New("pipe-read", int(r.Fd()))
	writeCh := New("pipe-write", -1)
	writeCh.backend = w
	writeCh.rawFD = int(w.Fd())

	payload := []byte("N0G28*51\n")
	rest, ok := writeCh.WriteAll(payload)
	if !ok || len(rest) != 0 {
		t.Fatalf("WriteAll() = (%v, %v), want (nil, true)", rest, ok)
	}

	dest := make([]byte, 64)
	n, rerr := readCh.Read(dest, 0, 2*time.Second, 2*time.Second)
	if rerr != nil {
		t.Fatalf("Read() error = %v", rerr)
	}
	if string(dest[:n]) != string(payload) {
		t.Fatalf("Read() = %q, want %q", dest[:n], payload)
	}

	readCh.Close()
	w.Close()
}

func TestChannelReadWithNoDataReportsWouldBlock(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	c := New("pipe-read-empty", int(r.Fd()))
	defer c.Close()

	dest := make([]byte, 16)
	_, rerr := c.Read(dest, 0, 0, 0)
	if rerr != ErrWouldBlock {
		t.Fatalf("Read() error = %v, want ErrWouldBlock", rerr)
	}
	if !c.HasError() {
		t.Fatal("expected HasError() true after a would-block Read")
	}
}

func TestChannelTailKeepsMostRecentBytes(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	c := New("pipe-read-tail", int(r.Fd()))
	defer c.Close()

	go func() {
		w.Write([]byte("0123456789"))
	}()

	dest := make([]byte, 4)
	n, rerr := c.Tail(dest, 50*time.Millisecond, 500*time.Millisecond, 500*time.Millisecond)
	if rerr != nil {
		t.Fatalf("Tail() error = %v", rerr)
	}
	if n != 4 {
		t.Fatalf("Tail() n = %d, want 4", n)
	}
	if string(dest) != "6789" {
		t.Fatalf("Tail() = %q, want %q (the last 4 bytes written)", dest, "6789")
	}
}

func TestUnixSocketListenConnectAccept(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "marlinfeed.sock")

	listener := New(sockPath, -1)
	if !listener.Listen(4) {
		t.Fatalf("Listen failed: %s", listener.Error())
	}
	defer listener.Unlink()

	accepted := make(chan *Channel, 1)
	go func() {
		conn, ok := listener.Accept()
		if !ok {
			t.Errorf("Accept failed: %s", listener.Error())
			accepted <- nil
			return
		}
		accepted <- conn
	}()

	client := New(sockPath, -1)
	if !client.Connect() {
		t.Fatalf("Connect failed: %s", client.Error())
	}
	defer client.Close()

	server := <-accepted
	if server == nil {
		t.Fatal("Accept did not return a channel")
	}
	defer server.Close()

	if !client.IsSocket() {
		t.Error("expected the connected endpoint to stat as a socket")
	}

	if _, ok := client.WriteAll([]byte("ping\n")); !ok {
		t.Fatalf("client WriteAll failed: %s", client.Error())
	}
	dest := make([]byte, 16)
	n, rerr := server.Read(dest, 0, 2*time.Second, 2*time.Second)
	if rerr != nil {
		t.Fatalf("server Read() error = %v", rerr)
	}
	if string(dest[:n]) != "ping\n" {
		t.Fatalf("server Read() = %q, want %q", dest[:n], "ping\n")
	}
}

func TestCreateFileExpandsTemplate(t *testing.T) {
	dir := t.TempDir()
	tmpl := filepath.Join(dir, "upload-??")

	first, ok := CreateFile(tmpl, 0o644)
	if !ok {
		t.Fatal("expected first CreateFile to succeed")
	}
	if filepath.Base(first) != "upload-00" {
		t.Fatalf("first candidate = %q, want upload-00", filepath.Base(first))
	}

	second, ok := CreateFile(tmpl, 0o644)
	if !ok {
		t.Fatal("expected second CreateFile to pick the next free slot")
	}
	if filepath.Base(second) != "upload-01" {
		t.Fatalf("second candidate = %q, want upload-01", filepath.Base(second))
	}
}

func TestCreateFileWithoutTemplateIsExact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exact.txt")
	got, ok := CreateFile(path, 0o644)
	if !ok || got != path {
		t.Fatalf("CreateFile(%q) = (%q, %v), want (%q, true)", path, got, ok, path)
	}
	if _, ok := CreateFile(path, 0o644); ok {
		t.Fatal("expected second CreateFile of the same exact path to fail (O_EXCL)")
	}
}

func TestCreateDirectoryExpandsTemplate(t *testing.T) {
	dir := t.TempDir()
	tmpl := filepath.Join(dir, "job-??")

	first, ok := CreateDirectory(tmpl, 0o755)
	if !ok {
		t.Fatal("expected first CreateDirectory to succeed")
	}
	if filepath.Base(first) != "job-00" {
		t.Fatalf("first candidate = %q, want job-00", filepath.Base(first))
	}

	second, ok := CreateDirectory(tmpl, 0o755)
	if !ok {
		t.Fatal("expected second CreateDirectory to pick the next free slot")
	}
	if filepath.Base(second) != "job-01" {
		t.Fatalf("second candidate = %q, want job-01", filepath.Base(second))
	}
}

func TestAutoCloseWiresFinalizerThatClosesBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.txt")
	if err := os.WriteFile(path, []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New(path, -1)
	c.Action("opening file")
	if !c.Open(unix.O_RDONLY) {
		t.Fatalf("Open() failed: %s", c.Error())
	}
	if !c.autoClose {
		t.Fatal("expected Open to default autoClose to true")
	}

	// Invoke the finalizer callback directly rather than relying on GC
	// timing, which is nondeterministic.
	c.finalizeClose()
	if c.backend != nil {
		t.Fatal("expected finalizeClose to close the backend")
	}

	c2 := New(path, -1)
	c2.Open(unix.O_RDONLY)
	c2.AutoClose(false)
	if c2.autoClose {
		t.Fatal("expected AutoClose(false) to clear the flag")
	}
}
