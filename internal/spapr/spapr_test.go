package spapr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/tinyrange/vof/internal/devices/disk"
	"github.com/tinyrange/vof/internal/fdt"
	"github.com/tinyrange/vof/internal/hv"
	"github.com/tinyrange/vof/internal/vfio"
	"github.com/tinyrange/vof/internal/vof"
)

const (
	testMem  = 16 << 20
	recAddr  = 0x100000
	rtasAddr = 0x100800
	strBase  = 0x101000
	// quadrant bits the hypercall layer must drop
	quadrant = 0xc000000000000000
)

type harness struct {
	t       *testing.T
	m       *Machine
	console *bytes.Buffer
	next    uint64
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	console := &bytes.Buffer{}
	if cfg.MemorySize == 0 {
		cfg.MemorySize = testMem
	}
	cfg.Console = console
	cfg.Logger = quietLogger()
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{t: t, m: m, console: console, next: strBase}
}

func (h *harness) str(s string) uint32 {
	h.t.Helper()
	addr := h.next
	if _, err := h.m.RAM().WriteAt(append([]byte(s), 0), int64(addr)); err != nil {
		h.t.Fatalf("write string: %v", err)
	}
	h.next += (uint64(len(s)) + 8) &^ 7
	return uint32(addr)
}

func (h *harness) words(addr uint64, n int) []uint32 {
	h.t.Helper()
	buf := make([]byte, 4*n)
	if _, err := h.m.RAM().ReadAt(buf, int64(addr)); err != nil {
		h.t.Fatalf("read: %v", err)
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(buf[4*i:])
	}
	return out
}

func (h *harness) putWords(addr uint64, w ...uint32) {
	h.t.Helper()
	buf := make([]byte, 0, 4*len(w))
	for _, v := range w {
		buf = binary.BigEndian.AppendUint32(buf, v)
	}
	if _, err := h.m.RAM().WriteAt(buf, int64(addr)); err != nil {
		h.t.Fatalf("write: %v", err)
	}
}

// ci runs a client interface call and returns the result cells.
func (h *harness) ci(service string, nret int, args ...uint32) []uint32 {
	h.t.Helper()
	rec := append([]uint32{h.str(service), uint32(len(args)), uint32(nret)}, args...)
	rec = append(rec, make([]uint32, nret)...)
	h.putWords(recAddr, rec...)
	ret, err := h.m.Hypercall(HVOFClient, []uint64{recAddr | quadrant})
	if err != nil || ret != HSuccess {
		h.t.Fatalf("%s: ret=%d err=%v", service, ret, err)
	}
	return h.words(recAddr+12+4*uint64(len(args)), nret)
}

// rtas runs an RTAS call and returns the result cells.
func (h *harness) rtas(name string, nret int, args ...uint32) (int64, []uint32) {
	h.t.Helper()
	token, ok := RTASToken(name)
	if !ok {
		h.t.Fatalf("no token for %s", name)
	}
	return h.rtasToken(token, nret, args...)
}

func (h *harness) rtasToken(token uint32, nret int, args ...uint32) (int64, []uint32) {
	h.t.Helper()
	rec := append([]uint32{token, uint32(len(args)), uint32(nret)}, args...)
	rec = append(rec, make([]uint32, nret)...)
	h.putWords(rtasAddr, rec...)
	ret, err := h.m.Hypercall(HRTAS, []uint64{rtasAddr})
	if err != nil {
		h.t.Fatalf("rtas 0x%x: %v", token, err)
	}
	return ret, h.words(rtasAddr+12+4*uint64(len(args)), nret)
}

func (h *harness) prop(path, name string) []byte {
	h.t.Helper()
	tree := h.m.Tree()
	id, err := tree.ResolvePath(path)
	if err != nil {
		h.t.Fatalf("resolve %s: %v", path, err)
	}
	v, err := tree.Property(id, name)
	if err != nil {
		h.t.Fatalf("%s/%s: %v", path, name, err)
	}
	return v
}

type memBacking struct{ data []byte }

func (b *memBacking) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, b.data[off:]), nil
}

func (b *memBacking) WriteAt(p []byte, off int64) (int, error) {
	return copy(b.data[off:], p), nil
}

func TestResetClaims(t *testing.T) {
	h := newHarness(t, Config{
		Kernel: make([]byte, 0x1000),
		Initrd: make([]byte, 0x800),
	})

	want := []vof.Claimed{
		{Start: 0, Size: DefaultFirmwareSize},
		{Start: 0x8000, Size: 0x8000},
		{Start: DefaultKernelAddr, Size: 0x1000},
		{Start: 0x410000, Size: 0x800},
	}
	if diff := cmp.Diff(want, h.m.Vof().Claimed()); diff != "" {
		t.Fatalf("claims mismatch (-want +got):\n%s", diff)
	}
	if got := h.m.StackPointer(); got != 0xffe0 {
		t.Fatalf("stack pointer = 0x%x, want 0xffe0", got)
	}
	if base, size := h.m.Initrd(); base != 0x410000 || size != 0x800 {
		t.Fatalf("initrd = (0x%x, 0x%x)", base, size)
	}
}

func TestImagePlacement(t *testing.T) {
	_, err := New(Config{
		MemorySize: 1 << 20,
		Kernel:     make([]byte, 0x1000),
		Logger:     quietLogger(),
	})
	if !errors.Is(err, ErrNoRoom) {
		t.Fatalf("kernel outside RAM: %v", err)
	}

	_, err = New(Config{
		MemorySize: testMem,
		Kernel:     make([]byte, 0x2000),
		Initrd:     make([]byte, 0x1000),
		InitrdAddr: DefaultKernelAddr + 0x1000,
		Logger:     quietLogger(),
	})
	if !errors.Is(err, vof.ErrClaim) {
		t.Fatalf("initrd overlapping the kernel: %v", err)
	}
}

func TestFinalizeChosen(t *testing.T) {
	d := disk.New(&memBacking{data: make([]byte, 1<<20)}, 1<<20, false)
	h := newHarness(t, Config{Bootargs: "console=hvc0", Disk: d})

	if got := string(h.prop("/chosen", "bootargs")); got != "console=hvc0\x00" {
		t.Fatalf("bootargs = %q", got)
	}
	want := disk.Path(disk.DefaultVSCSIReg, disk.DefaultLUN) + "\x00"
	if got := string(h.prop("/chosen", "bootpath")); got != want {
		t.Fatalf("bootpath = %q, want %q", got, want)
	}
	for _, name := range []string{"stdout", "stdin"} {
		handle := binary.BigEndian.Uint32(h.prop("/chosen", name))
		inst, ok := h.m.Vof().Lookup(handle)
		if !ok {
			t.Fatalf("%s handle %d is not open", name, handle)
		}
		if inst.Path != h.m.VTY().Path() || !inst.Bound() {
			t.Fatalf("%s instance = %+v", name, inst)
		}
	}
}

func TestEmptyBootargs(t *testing.T) {
	h := newHarness(t, Config{})
	if got := h.prop("/chosen", "bootargs"); !bytes.Equal(got, []byte{0}) {
		t.Fatalf("bootargs = %q", got)
	}
	tree := h.m.Tree()
	chosen, _ := tree.ResolvePath("/chosen")
	if _, err := tree.Property(chosen, "bootpath"); !errors.Is(err, fdt.ErrNotFound) {
		t.Fatalf("bootpath without a disk: %v", err)
	}
}

func TestClientHypercall(t *testing.T) {
	h := newHarness(t, Config{})

	chosen, err := h.m.Tree().ResolvePath("/chosen")
	if err != nil {
		t.Fatal(err)
	}
	ph, _ := h.m.Tree().Phandle(chosen)
	if got := h.ci("finddevice", 1, h.str("/chosen")); got[0] != ph {
		t.Fatalf("finddevice = 0x%x, want 0x%x", got[0], ph)
	}

	h.putWords(recAddr, h.str("finddevice"), 10, 1)
	ret, err := h.m.Hypercall(HVOFClient, []uint64{recAddr})
	if err != nil || ret != HParameter {
		t.Fatalf("bad record: ret=%d err=%v", ret, err)
	}

	h.putWords(recAddr, h.str("exit"), 0, 0)
	_, err = h.m.Hypercall(HVOFClient, []uint64{recAddr})
	if !errors.Is(err, vof.ErrExit) || !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("exit: %v", err)
	}
}

func TestSetpropInitrd(t *testing.T) {
	h := newHarness(t, Config{})
	chosen := h.ci("finddevice", 1, h.str("/chosen"))[0]

	start := h.str("")
	h.putWords(uint64(start), 0, 0x800000)
	if got := h.ci("setprop", 1, chosen, h.str("linux,initrd-start"), start, 8); got[0] != 8 {
		t.Fatalf("setprop initrd-start = 0x%x", got[0])
	}
	end := h.str("")
	h.putWords(uint64(end), 0x900000)
	if got := h.ci("setprop", 1, chosen, h.str("linux,initrd-end"), end, 4); got[0] != 4 {
		t.Fatalf("setprop initrd-end = 0x%x", got[0])
	}
	if base, size := h.m.Initrd(); base != 0x800000 || size != 0x100000 {
		t.Fatalf("initrd = (0x%x, 0x%x)", base, size)
	}
}

func TestQuiesceRecordsFDT(t *testing.T) {
	h := newHarness(t, Config{})
	if h.m.FDT() != nil {
		t.Fatal("fdt recorded before quiesce")
	}
	h.ci("quiesce", 0)
	if h.m.FDTSize() == 0 {
		t.Fatal("fdt size not recorded")
	}
	tree, err := fdt.Parse(h.m.FDT())
	if err != nil {
		t.Fatalf("parse quiesced fdt: %v", err)
	}
	if _, err := tree.ResolvePath("/chosen"); err != nil {
		t.Fatalf("quiesced fdt: %v", err)
	}
}

func TestClientArchitectureSupport(t *testing.T) {
	h := newHarness(t, Config{})
	root := h.ci("open", 1, h.str("/"))[0]
	got := h.ci("call-method", 2, h.str("ibm,client-architecture-support"), root, 0x2000)
	if diff := cmp.Diff([]uint32{0, 0}, got); diff != "" {
		t.Fatalf("call-method (-want +got):\n%s", diff)
	}
	if !h.m.CASDone() {
		t.Fatal("CAS not recorded")
	}
}

func TestConsoleWrite(t *testing.T) {
	h := newHarness(t, Config{})
	stdout := binary.BigEndian.Uint32(h.prop("/chosen", "stdout"))
	msg := h.str("hello\r\n")
	if got := h.ci("write", 1, stdout, msg, 7); got[0] != 7 {
		t.Fatalf("write = %d", got[0])
	}
	if got := h.console.String(); got != "hello\r\n" {
		t.Fatalf("console = %q", got)
	}
}

func TestTermChar(t *testing.T) {
	h := newHarness(t, Config{})
	reg := uint64(h.m.VTY().Reg())

	ret, err := h.m.Hypercall(HPutTermChar, []uint64{reg, 2, 0x6869 << 48, 0})
	if err != nil || ret != HSuccess {
		t.Fatalf("put term char: ret=%d err=%v", ret, err)
	}
	if got := h.console.String(); got != "hi" {
		t.Fatalf("console = %q", got)
	}

	h.m.VTY().Inject([]byte("ab"))
	args := make([]uint64, 3)
	args[0] = reg
	if ret, _ := h.m.Hypercall(HGetTermChar, args); ret != HSuccess {
		t.Fatalf("get term char = %d", ret)
	}
	if args[0] != 2 || args[1] != 0x6162<<48 {
		t.Fatalf("get term char regs = %#x", args)
	}

	if ret, _ := h.m.Hypercall(HPutTermChar, []uint64{reg + 1, 1, 0, 0}); ret != HParameter {
		t.Fatalf("wrong termno = %d", ret)
	}
	if ret, _ := h.m.Hypercall(0x9999, nil); ret != HFunction {
		t.Fatalf("unknown opcode = %d", ret)
	}
}

func ddwConfig() Config {
	return Config{PHBs: []PHBConfig{{Index: 0, DDW: true}, {Index: 1}}}
}

func TestDDWCalls(t *testing.T) {
	h := newHarness(t, ddwConfig())
	buid := h.m.PHBs()[0].BUID()
	hi, lo := uint32(buid>>32), uint32(buid)

	ret, rets := h.rtas("ibm,query-pe-dma-window", 5, 0, hi, lo)
	want := []uint32{RTASSuccess, 1, uint32(uint64(defaultMaxWindow) >> TCEPageShift), 0x07, 0}
	if ret != HSuccess {
		t.Fatalf("query ret = %d", ret)
	}
	if diff := cmp.Diff(want, rets); diff != "" {
		t.Fatalf("query (-want +got):\n%s", diff)
	}

	_, rets = h.rtas("ibm,create-pe-dma-window", 4, 0, hi, lo, 16, 30)
	want = []uint32{RTASSuccess, LIOBN(0, 1), uint32(DMA64Start >> 32), 0}
	if diff := cmp.Diff(want, rets); diff != "" {
		t.Fatalf("create (-want +got):\n%s", diff)
	}

	_, rets = h.rtas("ibm,query-pe-dma-window", 5, 0, hi, lo)
	if rets[1] != 0 {
		t.Fatalf("windows left after create = %d", rets[1])
	}
	_, rets = h.rtas("ibm,create-pe-dma-window", 4, 0, hi, lo, 16, 30)
	if int32(rets[0]) != RTASHardwareError {
		t.Fatalf("create without free window = %d", int32(rets[0]))
	}

	_, rets = h.rtas("ibm,remove-pe-dma-window", 1, LIOBN(0, 1))
	if rets[0] != RTASSuccess {
		t.Fatalf("remove = %d", int32(rets[0]))
	}
	_, rets = h.rtas("ibm,remove-pe-dma-window", 1, LIOBN(0, 1))
	if int32(rets[0]) != RTASHardwareError {
		t.Fatalf("second remove = %d", int32(rets[0]))
	}

	h.rtas("ibm,create-pe-dma-window", 4, 0, hi, lo, 12, 24)
	_, rets = h.rtas("ibm,reset-pe-dma-window", 1, 0, hi, lo)
	if rets[0] != RTASSuccess {
		t.Fatalf("reset = %d", int32(rets[0]))
	}
	wantTables := []TCETable{
		{LIOBN: LIOBN(0, 0), PageShift: TCEPageShift, Entries: defaultDMA32Size >> TCEPageShift, Enabled: true},
		{LIOBN: LIOBN(0, 1)},
	}
	if diff := cmp.Diff(wantTables, h.m.PHBs()[0].Tables(), cmpopts.IgnoreUnexported(TCETable{})); diff != "" {
		t.Fatalf("tables after reset (-want +got):\n%s", diff)
	}
}

func TestDDWParameterErrors(t *testing.T) {
	h := newHarness(t, ddwConfig())
	other := h.m.PHBs()[1].BUID()

	for _, tc := range []struct {
		name string
		call string
		nret int
		args []uint32
	}{
		{"unknown buid", "ibm,query-pe-dma-window", 5, []uint32{0, 0, 0x1234}},
		{"ddw disabled", "ibm,query-pe-dma-window", 5, []uint32{0, uint32(other >> 32), uint32(other)}},
		{"short args", "ibm,query-pe-dma-window", 5, []uint32{0, 0}},
		{"wrong nret", "ibm,create-pe-dma-window", 1, []uint32{0, 0, 0, 12, 20}},
		{"unknown liobn", "ibm,remove-pe-dma-window", 1, []uint32{0x1234}},
		{"liobn of ddw-less phb", "ibm,remove-pe-dma-window", 1, []uint32{LIOBN(1, 0)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, rets := h.rtas(tc.call, tc.nret, tc.args...)
			if int32(rets[0]) != RTASParameterError {
				t.Fatalf("status = %d, want %d", int32(rets[0]), RTASParameterError)
			}
		})
	}

	ret, rets := h.rtasToken(0x1234, 1)
	if ret != HParameter || int32(rets[0]) != RTASParameterError {
		t.Fatalf("unknown token: ret=%d status=%d", ret, int32(rets[0]))
	}
}

func TestRTASTokensPublished(t *testing.T) {
	h := newHarness(t, ddwConfig())
	for _, c := range rtasCalls {
		token, _ := RTASToken(c.name)
		if got := binary.BigEndian.Uint32(h.prop("/rtas", c.name)); got != token {
			t.Errorf("/rtas %s = 0x%x, want 0x%x", c.name, got, token)
		}
	}
	p := h.m.PHBs()[0]
	tokens := ddwTokens()
	applicable := h.prop(p.Path(), "ibm,ddw-applicable")
	if got := binary.BigEndian.Uint32(applicable[4:]); got != tokens[1] {
		t.Fatalf("ddw-applicable create token = 0x%x", got)
	}
}

func TestRTASConsoleAndPowerOff(t *testing.T) {
	h := newHarness(t, Config{})
	_, rets := h.rtas("display-character", 1, 'x')
	if rets[0] != RTASSuccess || h.console.String() != "x" {
		t.Fatalf("display-character: status=%d console=%q", rets[0], h.console.String())
	}

	token, _ := RTASToken("power-off")
	h.putWords(rtasAddr, token, 2, 1, 0, 0, 0)
	_, err := h.m.Hypercall(HRTAS, []uint64{rtasAddr})
	if !errors.Is(err, ErrPowerOff) || !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("power-off: %v", err)
	}
}

func TestFixPageMask(t *testing.T) {
	for _, tc := range []struct {
		cpu   []uint32
		query uint32
		want  uint32
	}{
		{[]uint32{12, 16, 24, 34}, 0xff, ddwPgsize4K | ddwPgsize64K | ddwPgsize16M | ddwPgsize16G},
		{[]uint32{12, 16}, ddwPgsize64K | ddwPgsize16M, ddwPgsize64K},
		{[]uint32{21}, 0xff, 0},
		{nil, 0xff, 0},
	} {
		if got := FixPageMask(tc.cpu, tc.query); got != tc.want {
			t.Errorf("FixPageMask(%v, 0x%x) = 0x%x, want 0x%x", tc.cpu, tc.query, got, tc.want)
		}
	}
}

func TestTCEMapping(t *testing.T) {
	h := newHarness(t, ddwConfig())
	liobn := uint64(LIOBN(0, 0))

	ret, _ := h.m.Hypercall(HPutTCE, []uint64{liobn, 0x2000, 0x123000 | TCERead | TCEWrite})
	if ret != HSuccess {
		t.Fatalf("put tce = %d", ret)
	}
	args := []uint64{liobn, 0x2000}
	if ret, _ := h.m.Hypercall(HGetTCE, args); ret != HSuccess || args[0] != 0x123003 {
		t.Fatalf("get tce: ret=%d tce=0x%x", ret, args[0])
	}
	gpa, ok := h.m.PHBs()[0].Translate(uint32(liobn), 0x2010, true)
	if !ok || gpa != 0x123010 {
		t.Fatalf("translate = (0x%x, %v)", gpa, ok)
	}

	if ret, _ := h.m.Hypercall(HPutTCE, []uint64{liobn, defaultDMA32Size, 0x1003}); ret != HParameter {
		t.Fatalf("put outside window = %d", ret)
	}
	if ret, _ := h.m.Hypercall(HPutTCE, []uint64{0x1234, 0, 0}); ret != HParameter {
		t.Fatalf("put on unknown liobn = %d", ret)
	}
	// Clearing the permissions removes the translation.
	h.m.Hypercall(HPutTCE, []uint64{liobn, 0x2000, 0})
	if _, ok := h.m.PHBs()[0].Translate(uint32(liobn), 0x2000, false); ok {
		t.Fatal("cleared tce still translates")
	}
}

type fakeContainer struct {
	info       vfio.TCEInfo
	created    []uint64
	removed    []uint64
	registered [][2]uint64
	levels     uint32
}

func (f *fakeContainer) Info() (vfio.TCEInfo, error) { return f.info, nil }

func (f *fakeContainer) CreateWindow(pageShift uint32, windowSize uint64, levels uint32) (uint64, error) {
	f.created = append(f.created, windowSize)
	f.levels = levels
	return 0x800000000000000, nil
}

func (f *fakeContainer) RemoveWindow(start uint64) error {
	f.removed = append(f.removed, start)
	return nil
}

func (f *fakeContainer) RegisterMemory(vaddr, size uint64) error {
	f.registered = append(f.registered, [2]uint64{vaddr, size})
	return nil
}

func (f *fakeContainer) UnregisterMemory(vaddr, size uint64) error { return nil }

func TestVFIOBackedPHB(t *testing.T) {
	c := &fakeContainer{}
	c.info.DMA32WindowSize = 1 << 30
	c.info.DDW.MaxDynamicWindows = 2
	c.info.DDW.PageSizes = 1<<12 | 1<<16 | 1<<24
	h := newHarness(t, Config{PHBs: []PHBConfig{{DDW: true, VFIO: c, MaxWindowSize: 1 << 34}}})

	want := [][2]uint64{{h.m.RAM().HostAddr(), testMem}}
	if diff := cmp.Diff(want, c.registered); diff != "" {
		t.Fatalf("preregistration (-want +got):\n%s", diff)
	}

	buid := h.m.PHBs()[0].BUID()
	_, rets := h.rtas("ibm,query-pe-dma-window", 5, 0, uint32(buid>>32), uint32(buid))
	if diff := cmp.Diff([]uint32{RTASSuccess, 1, 1 << 22, 0x07, 0}, rets); diff != "" {
		t.Fatalf("query (-want +got):\n%s", diff)
	}

	_, rets = h.rtas("ibm,create-pe-dma-window", 4, 0, uint32(buid>>32), uint32(buid), 16, 32)
	if rets[0] != RTASSuccess || rets[2] != 0x08000000 {
		t.Fatalf("create = %#x", rets)
	}
	if diff := cmp.Diff([]uint64{1 << 32}, c.created); diff != "" || c.levels != 1 {
		t.Fatalf("create window (-want +got):\n%s levels=%d", diff, c.levels)
	}

	h.rtas("ibm,remove-pe-dma-window", 1, rets[1])
	if diff := cmp.Diff([]uint64{0x800000000000000}, c.removed); diff != "" {
		t.Fatalf("remove window (-want +got):\n%s", diff)
	}
}

func TestUVPipe(t *testing.T) {
	var backend bytes.Buffer
	h := newHarness(t, Config{UVPipe: &backend})
	uv := h.m.UVPipe()

	if err := uv.Receive([]byte("early")); err != nil {
		t.Fatalf("receive before first message: %v", err)
	}

	ptr := h.str("hello")
	if ret, err := h.m.Hypercall(HUVPipe, []uint64{uint64(ptr)}); err != nil || ret != HSuccess {
		t.Fatalf("uv pipe: ret=%d err=%v", ret, err)
	}
	if backend.String() != "hello" {
		t.Fatalf("backend = %q", backend.String())
	}

	if err := uv.Receive([]byte("pong")); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 5)
	h.m.RAM().ReadAt(got, int64(ptr))
	if string(got) != "pong\x00" {
		t.Fatalf("guest buffer = %q", got)
	}
}

func TestUVPipeDisabled(t *testing.T) {
	h := newHarness(t, Config{})
	if ret, _ := h.m.Hypercall(HUVPipe, []uint64{0x2000}); ret != HFunction {
		t.Fatalf("uv pipe without backend = %d", ret)
	}
}

type nmiFunc func(int) error

func (f nmiFunc) HandleNMI(cpu int) error { return f(cpu) }

func TestNMIDispatch(t *testing.T) {
	var n NMI
	if err := n.Inject(0); !errors.Is(err, ErrNMIUnsupported) {
		t.Fatalf("no handlers: %v", err)
	}

	boom := errors.New("boom")
	var calls []string
	n.Register(nmiFunc(func(int) error { calls = append(calls, "a"); return nil }))
	n.Register(nmiFunc(func(int) error { calls = append(calls, "b"); return boom }))
	n.Register(nmiFunc(func(int) error { calls = append(calls, "c"); return nil }))
	if err := n.Inject(1); !errors.Is(err, boom) {
		t.Fatalf("Inject = %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, calls); diff != "" {
		t.Fatalf("handlers run (-want +got):\n%s", diff)
	}
}

func TestMachineNMI(t *testing.T) {
	h := newHarness(t, Config{CPUs: 2})
	if err := h.m.InjectNMI(0); err != nil {
		t.Fatalf("InjectNMI: %v", err)
	}
	for cpu := range 2 {
		if !h.m.TakeNMI(cpu) {
			t.Fatalf("cpu %d has no NMI pending", cpu)
		}
		if h.m.TakeNMI(cpu) {
			t.Fatalf("cpu %d NMI not cleared", cpu)
		}
	}
	if err := h.m.InjectNMI(5); err == nil {
		t.Fatal("NMI on a missing cpu succeeded")
	}
}
