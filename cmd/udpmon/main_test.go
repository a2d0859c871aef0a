package main

import (
	"bytes"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestHexdump(t *testing.T) {
	test.That(t, hexdump([]byte{0x17, 0x56, 0x00}), test.ShouldEqual, "17 56 00")
	test.That(t, hexdump(nil), test.ShouldEqual, "")
}

func TestPrintDatagram(t *testing.T) {
	var buf bytes.Buffer
	ts := time.Date(2026, 8, 25, 14, 30, 45, 123456000, time.UTC)
	printDatagram(&buf, ts, "127.0.0.1:55555", []byte("1756134645, 0.1594"))

	out := buf.String()
	test.That(t, out, test.ShouldContainSubstring,
		"[2026-08-25 14:30:45.123456] from 127.0.0.1:55555 (18 bytes)")
	test.That(t, out, test.ShouldContainSubstring, "TEXT:\n1756134645, 0.1594\n")
	test.That(t, out, test.ShouldContainSubstring, "HEX:\n31 37 35 36")
	test.That(t, out, test.ShouldContainSubstring,
		"------------------------------------------------------------")
}
