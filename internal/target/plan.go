package target

import (
	"slices"
)

// Strategy selects how a target is compiled.
type Strategy int

const (
	Native Strategy = iota
	Cross
)

func (s Strategy) String() string {
	if s == Cross {
		return "cross"
	}
	return "native"
}

// Plan is the side-effect table entry for a target: how to build it, which
// host packages it needs and which tool strips its binary.
type Plan struct {
	Strategy Strategy
	Packages []string
	// StripTool is empty when the binary must not be stripped.
	StripTool string
}

type toolchainKey struct {
	arch   string
	triple string
}

type toolchain struct {
	binutils string
	strip    string
}

// crossToolchains lists the binutils needed to post-process binaries of
// foreign architectures built on a Linux host.
var crossToolchains = map[toolchainKey]toolchain{
	{"aarch64", "aarch64-unknown-linux-gnu"}:  {"binutils-aarch64-linux-gnu", "aarch64-linux-gnu-strip"},
	{"aarch64", "aarch64-unknown-linux-musl"}: {"binutils-aarch64-linux-gnu", "aarch64-linux-gnu-strip"},
	{"arm", "arm-unknown-linux-gnueabihf"}:    {"binutils-arm-linux-gnueabihf", "arm-linux-gnueabihf-strip"},
	{"arm", "arm-unknown-linux-musleabihf"}:   {"binutils-arm-linux-gnueabihf", "arm-linux-gnueabihf-strip"},
	{"i686", "i686-unknown-linux-gnu"}:        {"binutils-i686-linux-gnu", "i686-linux-gnu-strip"},
	{"i686", "i686-unknown-linux-musl"}:       {"binutils-i686-linux-gnu", "i686-linux-gnu-strip"},
	{"x86_64", "x86_64-unknown-linux-musl"}:   {"", "strip"},
}

// PlanFor is a pure function from a descriptor to its plan.
func PlanFor(d Descriptor) Plan {
	p := Plan{Strategy: Native}
	if d.Cross {
		p.Strategy = Cross
	}

	tc, known := crossToolchains[toolchainKey{d.Arch, d.Triple}]
	if d.Cross && known && tc.binutils != "" {
		p.Packages = append(p.Packages, tc.binutils)
	}
	p.Packages = append(p.Packages, d.Packages...)
	slices.Sort(p.Packages)
	p.Packages = slices.Compact(p.Packages)

	switch {
	case d.OS == Windows:
		// MSVC binaries carry no symbol table worth stripping.
	case d.Cross && known:
		p.StripTool = tc.strip
	case d.Cross:
		// A foreign binary the host strip cannot handle.
	default:
		p.StripTool = "strip"
	}
	return p
}
