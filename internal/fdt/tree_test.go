package fdt

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testNode() Node {
	return Node{
		Name: "",
		Properties: map[string]Property{
			"#address-cells": Cells(2),
			"#size-cells":    Cells(2),
			"compatible":     String("qemu,pseries"),
		},
		Children: []Node{
			{Name: "chosen"},
			{
				Name:       "memory@0",
				Properties: map[string]Property{"reg": Quads(0, 256<<20)},
			},
			{
				Name:       "aliases",
				Properties: map[string]Property{"disk": String("/vdevice/v-scsi@2000")},
			},
			{
				Name: "vdevice",
				Children: []Node{
					{Name: "vty@71000000", Properties: map[string]Property{"phandle": Cells(7)}},
					{Name: "v-scsi@2000"},
				},
			},
		},
	}
}

func TestPackParseRoundTrip(t *testing.T) {
	tree, err := FromNode(testNode())
	if err != nil {
		t.Fatalf("FromNode: %v", err)
	}
	blob, err := tree.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	parsed, err := Parse(blob)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want, _ := tree.Nodes()
	got, _ := parsed.Nodes()
	if diff := cmp.Diff(len(want), len(got)); diff != "" {
		t.Fatalf("node count mismatch (-want +got):\n%s", diff)
	}
	for i := range want {
		wp, _ := tree.Path(want[i])
		gp, _ := parsed.Path(got[i])
		if wp != gp {
			t.Errorf("node %d path = %q, want %q", i, gp, wp)
		}
		wn, _ := tree.Properties(want[i])
		gn, _ := parsed.Properties(got[i])
		if diff := cmp.Diff(wn, gn); diff != "" {
			t.Errorf("%s properties (-want +got):\n%s", wp, diff)
		}
	}

	again, err := parsed.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if diff := cmp.Diff(blob, again); diff != "" {
		t.Errorf("repacked blob differs (-want +got):\n%s", diff)
	}
}

func TestResolvePath(t *testing.T) {
	tree, err := FromNode(testNode())
	if err != nil {
		t.Fatalf("FromNode: %v", err)
	}

	tests := []struct {
		path string
		want string
	}{
		{"/", "/"},
		{"/chosen", "/chosen"},
		{"/memory", "/memory@0"},
		{"/memory@0", "/memory@0"},
		{"/vdevice/vty", "/vdevice/vty@71000000"},
		{"/vdevice/vty@71000000", "/vdevice/vty@71000000"},
		{"disk", "/vdevice/v-scsi@2000"},
	}
	for _, tt := range tests {
		id, err := tree.ResolvePath(tt.path)
		if err != nil {
			t.Errorf("ResolvePath(%q): %v", tt.path, err)
			continue
		}
		got, _ := tree.Path(id)
		if got != tt.want {
			t.Errorf("ResolvePath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}

	for _, path := range []string{"/memory@1", "/nope", "/vdevice/vty@0"} {
		if _, err := tree.ResolvePath(path); !errors.Is(err, ErrNotFound) {
			t.Errorf("ResolvePath(%q) err = %v, want ErrNotFound", path, err)
		}
	}
}

func TestPhandleAndProperties(t *testing.T) {
	tree, err := FromNode(testNode())
	if err != nil {
		t.Fatalf("FromNode: %v", err)
	}
	id, err := tree.ResolvePhandle(7)
	if err != nil {
		t.Fatalf("ResolvePhandle: %v", err)
	}
	if name, _ := tree.Name(id); name != "vty@71000000" {
		t.Fatalf("phandle 7 resolved to %q", name)
	}
	if _, err := tree.ResolvePhandle(0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ResolvePhandle(0) err = %v", err)
	}

	chosen, _ := tree.ResolvePath("/chosen")
	if err := tree.SetPropertyString(chosen, "bootargs", "quiet"); err != nil {
		t.Fatalf("SetPropertyString: %v", err)
	}
	if err := tree.SetPropertyString(chosen, "bootargs", "console=hvc0"); err != nil {
		t.Fatalf("SetPropertyString: %v", err)
	}
	val, err := tree.Property(chosen, "bootargs")
	if err != nil {
		t.Fatalf("Property: %v", err)
	}
	if string(val) != "console=hvc0\x00" {
		t.Fatalf("bootargs = %q", val)
	}
	names, _ := tree.Properties(chosen)
	if diff := cmp.Diff([]string{"bootargs"}, names); diff != "" {
		t.Fatalf("properties (-want +got):\n%s", diff)
	}

	if _, err := tree.AddSubnode(Root, "chosen"); !errors.Is(err, ErrExists) {
		t.Fatalf("AddSubnode duplicate err = %v", err)
	}
	if _, err := tree.Parent(Root); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Parent(root) err = %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte("not a device tree at all, just bytes")); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Parse err = %v, want ErrMalformed", err)
	}
	blob, err := Build(Node{Name: ""})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := Parse(blob[:len(blob)-8]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Parse truncated err = %v, want ErrMalformed", err)
	}
}
