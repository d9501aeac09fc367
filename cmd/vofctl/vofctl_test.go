package main

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/vof/internal/fdt"
)

const bootScript = `
machine:
  memory_mb: 16
  bootargs: console=hvc0
  phbs:
    - index: 0
      ddw: true
calls:
  - service: finddevice
    args: ["/chosen"]
    nret: 1
    save: chosen
  - service: getprop
    args: ["$chosen", "bootargs", "buf:64", 64]
    nret: 1
    expect: [13]
  - service: claim
    args: [0, 0x10000, 0x10000]
    nret: 1
  - rtas: ibm,query-pe-dma-window
    args: [0, 0x8000000, 0x20000000]
    nret: 5
    expect: [0, 1]
  - service: quiesce
`

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestParseScript(t *testing.T) {
	s, err := parseScript([]byte(bootScript))
	if err != nil {
		t.Fatal(err)
	}
	if s.Machine.MemoryMB != 16 || len(s.Machine.PHBs) != 1 || !s.Machine.PHBs[0].DDW {
		t.Fatalf("machine = %+v", s.Machine)
	}
	if diff := cmp.Diff([]any{"$chosen", "bootargs", "buf:64", 64}, s.Calls[1].Args); diff != "" {
		t.Fatalf("args (-want +got):\n%s", diff)
	}

	for _, bad := range []string{
		"calls: [{nret: 1}]",
		"calls: [{service: a, rtas: b}]",
		"calls: [{service: a, nret: 1, expect: [1, 2]}]",
	} {
		if _, err := parseScript([]byte(bad)); err == nil {
			t.Errorf("parseScript(%q) succeeded", bad)
		}
	}
}

func TestRunScript(t *testing.T) {
	s, err := parseScript([]byte(bootScript))
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	m, res, err := runScript(s, &out, &out, quiet())
	if err != nil {
		t.Fatalf("runScript: %v\n%s", err, out.String())
	}
	defer res.Close()

	if !strings.Contains(out.String(), `"console=hvc0"`) {
		t.Fatalf("bootargs buffer not shown:\n%s", out.String())
	}
	blob, err := deviceTree(m)
	if err != nil {
		t.Fatal(err)
	}
	if m.FDT() == nil {
		t.Fatal("quiesce did not hand over the tree")
	}
	tree, err := fdt.Parse(blob)
	if err != nil {
		t.Fatalf("parse dumped tree: %v", err)
	}
	if _, err := tree.ResolvePath("/rtas"); err != nil {
		t.Fatalf("dumped tree: %v", err)
	}
}

func TestRunScriptExit(t *testing.T) {
	s, err := parseScript([]byte("machine: {memory_mb: 16}\ncalls:\n  - service: exit\n  - service: finddevice\n    args: [\"/\"]\n    nret: 1\n"))
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	_, res, err := runScript(s, &out, &out, quiet())
	if err != nil {
		t.Fatalf("runScript: %v", err)
	}
	res.Close()
	if !strings.Contains(out.String(), "machine stopped") || strings.Contains(out.String(), "finddevice") {
		t.Fatalf("output:\n%s", out.String())
	}
}

func TestStripWriter(t *testing.T) {
	var b bytes.Buffer
	n, err := stripWriter{&b}.Write([]byte("\x1b[1mbold\x1b[0m"))
	if err != nil || n != 12 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if b.String() != "bold" {
		t.Fatalf("stripped = %q", b.String())
	}
}

func TestExpectMismatch(t *testing.T) {
	s, err := parseScript([]byte("machine: {memory_mb: 16}\ncalls:\n  - service: finddevice\n    args: [\"/nope\"]\n    nret: 1\n    expect: [1]\n"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := runScript(s, io.Discard, io.Discard, quiet()); err == nil {
		t.Fatal("mismatched expectation passed")
	}
}
