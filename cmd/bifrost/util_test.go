package main

import (
	"testing"

	"github.com/thfabian/bifrost/internal/injector"
)

func TestParsePluginFlags(t *testing.T) {
	specs, err := parsePluginFlags([]string{
		`C:\plugins\hook.dll:file;3`,
		`simple.dll`,
		`relative/path/other.dll:a b c`,
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("specs = %d", len(specs))
	}
	if specs[0].Name != "hook" || specs[0].Path != `C:\plugins\hook.dll` || specs[0].Arguments != "file;3" {
		t.Fatalf("spec 0 = %+v", specs[0])
	}
	if specs[1].Name != "simple" || specs[1].Arguments != "" {
		t.Fatalf("spec 1 = %+v", specs[1])
	}
	if specs[2].Name != "other" || specs[2].Arguments != "a b c" {
		t.Fatalf("spec 2 = %+v", specs[2])
	}
}

func TestParsePluginFlagsEmpty(t *testing.T) {
	if _, err := parsePluginFlags([]string{""}); err == nil {
		t.Fatalf("empty plugin value accepted")
	}
}

func TestSplitPluginValueDrivePrefix(t *testing.T) {
	path, args := splitPluginValue(`C:\x.dll`)
	if path != `C:\x.dll` || args != "" {
		t.Fatalf("drive-only split = %q, %q", path, args)
	}
	path, args = splitPluginValue(`C:\x.dll:arg:with:colons`)
	if path != `C:\x.dll` || args != "arg:with:colons" {
		t.Fatalf("split = %q, %q", path, args)
	}
}

func TestConnectSpecValidation(t *testing.T) {
	if _, err := connectSpec(0, ""); err == nil {
		t.Fatalf("no pid/name accepted")
	}
	if _, err := connectSpec(1, "x.exe"); err == nil {
		t.Fatalf("both pid and name accepted")
	}
	spec, err := connectSpec(42, "")
	if err != nil || spec.Mode != injector.ModeConnectPid || spec.Pid != 42 {
		t.Fatalf("pid spec = %+v, %v", spec, err)
	}
}
