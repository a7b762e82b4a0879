package sbi_test

import (
	"testing"

	"rvhv/sbi"
)

func TestPutcharBuffersUntilNewline(t *testing.T) {
	var lines []string
	f := sbi.New(func(line string) { lines = append(lines, line) })

	for _, ch := range []byte("hi") {
		res := f.Call(sbi.ExtConsolePutchar, 0, uint64(ch))
		if res.Err != 0 {
			t.Fatalf("putchar %q returned error %d", ch, res.Err)
		}
	}
	if len(lines) != 0 {
		t.Fatalf("expected no flushed line before newline, got %v", lines)
	}

	f.Call(sbi.ExtConsolePutchar, 0, uint64('\n'))
	if len(lines) != 1 || lines[0] != "hi" {
		t.Fatalf("lines = %v, want [\"hi\"]", lines)
	}
}

func TestPutcharResetsBufferAfterFlush(t *testing.T) {
	var lines []string
	f := sbi.New(func(line string) { lines = append(lines, line) })

	for _, ch := range []byte("one\ntwo\n") {
		f.Call(sbi.ExtConsolePutchar, 0, uint64(ch))
	}
	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Fatalf("lines = %v, want [one two]", lines)
	}
}

func TestGetcharReturnsError(t *testing.T) {
	f := sbi.New(func(string) {})
	res := f.Call(sbi.ExtConsoleGetchar, 0, 0)
	if res.Err == 0 {
		t.Fatalf("expected getchar to report an error (no input device modelled)")
	}
}

func TestSetTimerIsNoopSuccess(t *testing.T) {
	f := sbi.New(func(string) {})
	res := f.Call(sbi.ExtSetTimer, 0, 12345)
	if res.Err != 0 {
		t.Fatalf("set-timer should succeed as a no-op, got err %d", res.Err)
	}
}

func TestBaseProbeExtensionReturnsError(t *testing.T) {
	f := sbi.New(func(string) {})
	res := f.Call(sbi.ExtBase, sbi.FnBaseProbeExtension, 0)
	if res.Err == 0 {
		t.Fatalf("probe-extension should report unsupported")
	}
}

func TestBaseUnhandledFunctionIDPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for an unrecognized function ID under the base extension")
		}
	}()
	f := sbi.New(func(string) {})
	f.Call(sbi.ExtBase, sbi.FnBaseImplID, 0)
}

func TestUnhandledExtensionPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for an unknown SBI extension")
		}
	}()
	f := sbi.New(func(string) {})
	f.Call(0x0a0b0c0d, 0, 0)
}
