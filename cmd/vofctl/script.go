package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vof/internal/devices/disk"
	"github.com/tinyrange/vof/internal/spapr"
	"github.com/tinyrange/vof/internal/vfio"
)

// Script is a machine description and the client calls to run against it.
type Script struct {
	Machine MachineSpec `yaml:"machine"`
	Calls   []Call      `yaml:"calls"`
}

// MachineSpec describes the machine. Paths are relative to the working
// directory.
type MachineSpec struct {
	MemoryMB     uint64    `yaml:"memory_mb"`
	CPUs         int       `yaml:"cpus"`
	Bootargs     string    `yaml:"bootargs"`
	Firmware     string    `yaml:"firmware"`
	Kernel       string    `yaml:"kernel"`
	Initrd       string    `yaml:"initrd"`
	Disk         string    `yaml:"disk"`
	DiskReadOnly bool      `yaml:"disk_read_only"`
	UVPipe       bool      `yaml:"uv_pipe"`
	PHBs         []PHBSpec `yaml:"phbs"`
}

// PHBSpec describes a PCI host bridge. A VFIO group makes the bridge use
// the host IOMMU.
type PHBSpec struct {
	Index     uint32 `yaml:"index"`
	DDW       bool   `yaml:"ddw"`
	Windows   uint32 `yaml:"windows"`
	VFIOGroup *int   `yaml:"vfio_group"`
}

// Call is one client interface service or RTAS call. Integer arguments are
// passed as cells. String arguments are copied to guest memory and passed
// by address, except "$name", which passes a value saved by an earlier
// call, and "buf:N", which passes an N byte buffer shown after the call.
type Call struct {
	Service string   `yaml:"service"`
	RTAS    string   `yaml:"rtas"`
	Args    []any    `yaml:"args"`
	NRet    int      `yaml:"nret"`
	Save    string   `yaml:"save"`
	Expect  []uint32 `yaml:"expect"`
}

func (c Call) name() string {
	if c.RTAS != "" {
		return "rtas " + c.RTAS
	}
	return c.Service
}

func loadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return parseScript(data)
}

func parseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	for i, c := range s.Calls {
		if (c.Service == "") == (c.RTAS == "") {
			return nil, fmt.Errorf("call %d: exactly one of service and rtas must be set", i)
		}
		if c.NRet < 0 || len(c.Expect) > c.NRet {
			return nil, fmt.Errorf("call %d (%s): bad nret %d", i, c.name(), c.NRet)
		}
	}
	return &s, nil
}

// machineResources are host objects opened for a machine.
type machineResources struct {
	closers []io.Closer
}

func (r *machineResources) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	return os.ReadFile(path)
}

// newMachine builds the machine a script describes.
func newMachine(spec MachineSpec, console io.Writer, uv io.Writer, log *slog.Logger) (*spapr.Machine, *machineResources, error) {
	res := &machineResources{}
	fail := func(err error) (*spapr.Machine, *machineResources, error) {
		res.Close()
		return nil, nil, err
	}

	cfg := spapr.Config{
		MemorySize: spec.MemoryMB << 20,
		CPUs:       spec.CPUs,
		Bootargs:   spec.Bootargs,
		Console:    console,
		Logger:     log,
	}
	var err error
	if cfg.Firmware, err = readOptional(spec.Firmware); err != nil {
		return fail(err)
	}
	if cfg.Kernel, err = readOptional(spec.Kernel); err != nil {
		return fail(err)
	}
	if cfg.Initrd, err = readOptional(spec.Initrd); err != nil {
		return fail(err)
	}
	if spec.Disk != "" {
		d, err := disk.Open(spec.Disk, spec.DiskReadOnly)
		if err != nil {
			return fail(err)
		}
		res.closers = append(res.closers, d)
		cfg.Disk = d
	}
	if spec.UVPipe {
		cfg.UVPipe = uv
	}

	for _, p := range spec.PHBs {
		pc := spapr.PHBConfig{Index: p.Index, DDW: p.DDW, Windows: p.Windows}
		if p.VFIOGroup != nil {
			c, err := vfio.OpenContainer(log)
			if err != nil {
				return fail(err)
			}
			res.closers = append(res.closers, c)
			if err := c.AddGroup(*p.VFIOGroup); err != nil {
				return fail(err)
			}
			pc.VFIO = c
		}
		cfg.PHBs = append(cfg.PHBs, pc)
	}

	m, err := spapr.New(cfg)
	if err != nil {
		return fail(err)
	}
	return m, res, nil
}
