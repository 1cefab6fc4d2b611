package target

import (
	"errors"
	"fmt"
	"slices"
	"testing"
)

func TestParseOS(t *testing.T) {
	tests := []struct {
		in   string
		want OS
	}{
		{"linux", Linux},
		{"Linux", Linux},
		{"macos", MacOS},
		{"darwin", MacOS},
		{"windows", Windows},
		{"freebsd", FreeBSD},
		{"plan9", Unknown},
		{"", Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseOS(tt.in); got != tt.want {
				t.Errorf("ParseOS(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSet_Isolation(t *testing.T) {
	env := map[string]string{"MACOSX_DEPLOYMENT_TARGET": "10.7"}
	s := NewSet(Descriptor{OS: MacOS, Arch: "x86_64", Triple: "x86_64-apple-darwin", Env: env})

	env["MACOSX_DEPLOYMENT_TARGET"] = "99"
	got := s.Targets()
	if got[0].Env["MACOSX_DEPLOYMENT_TARGET"] != "10.7" {
		t.Fatalf("set shares caller's env map: %v", got[0].Env)
	}

	got[0].Env["MACOSX_DEPLOYMENT_TARGET"] = "42"
	if s.At(0).Env["MACOSX_DEPLOYMENT_TARGET"] != "10.7" {
		t.Fatalf("Targets() leaked internal map")
	}
}

func TestSet_Filter(t *testing.T) {
	s := NewSet(
		Descriptor{OS: Linux, Arch: "x86_64", Triple: "x86_64-unknown-linux-gnu"},
		Descriptor{OS: Linux, Arch: "aarch64", Triple: "aarch64-unknown-linux-gnu", Cross: true},
		Descriptor{OS: Windows, Arch: "x86_64", Triple: "x86_64-pc-windows-msvc"},
	)

	sub, err := s.Filter([]string{"x86_64-pc-windows-msvc", "x86_64-unknown-linux-gnu"})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := sub.Triples(), []string{"x86_64-unknown-linux-gnu", "x86_64-pc-windows-msvc"}; !slices.Equal(got, want) {
		t.Errorf("Filter order = %v, want %v", got, want)
	}

	if all, _ := s.Filter(nil); all != s {
		t.Errorf("Filter(nil) should return the set itself")
	}

	if _, err := s.Filter([]string{"riscv64gc-unknown-linux-gnu"}); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("Filter(unknown) err = %v, want ErrUnknownTarget", err)
	}
}

func TestSet_Validate(t *testing.T) {
	byTriple := func(d Descriptor) ([]string, error) {
		return []string{"pkg-" + d.Triple + ".tar.gz"}, nil
	}
	sameName := func(d Descriptor) ([]string, error) {
		return []string{"pkg.tar.gz"}, nil
	}

	tests := []struct {
		name    string
		set     *Set
		names   NamesFunc
		wantErr error
	}{
		{
			name: "valid",
			set: NewSet(
				Descriptor{OS: Linux, Arch: "x86_64", Triple: "x86_64-unknown-linux-gnu"},
				Descriptor{OS: Linux, Arch: "x86_64", Triple: "x86_64-unknown-linux-musl", Cross: true},
			),
			names: byTriple,
		},
		{
			name:    "empty",
			set:     NewSet(),
			wantErr: ErrNoTargets,
		},
		{
			name: "duplicate triple",
			set: NewSet(
				Descriptor{OS: Linux, Arch: "x86_64", Triple: "x86_64-unknown-linux-gnu"},
				Descriptor{OS: Linux, Arch: "x86_64", Triple: "x86_64-unknown-linux-gnu", Cross: true},
			),
			names:   byTriple,
			wantErr: ErrDuplicateTarget,
		},
		{
			name:    "unknown os",
			set:     NewSet(Descriptor{OS: Unknown, Arch: "x86_64", Triple: "x86_64-unknown-haiku"}),
			wantErr: ErrUnsupportedOS,
		},
		{
			name:    "empty triple",
			set:     NewSet(Descriptor{OS: Linux, Arch: "x86_64"}),
			wantErr: ErrEmptyTriple,
		},
		{
			name: "colliding artifact names",
			set: NewSet(
				Descriptor{OS: Linux, Arch: "x86_64", Triple: "x86_64-unknown-linux-gnu"},
				Descriptor{OS: Linux, Arch: "aarch64", Triple: "aarch64-unknown-linux-gnu"},
			),
			names:   sameName,
			wantErr: ErrArtifactCollision,
		},
		{
			name: "names error is reported",
			set:  NewSet(Descriptor{OS: Linux, Arch: "x86_64", Triple: "x86_64-unknown-linux-gnu"}),
			names: func(Descriptor) ([]string, error) {
				return nil, ErrUnsupportedOS
			},
			wantErr: ErrUnsupportedOS,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.set.Validate(tt.names)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPlanFor(t *testing.T) {
	tests := []struct {
		d         Descriptor
		strategy  Strategy
		packages  []string
		stripTool string
	}{
		{
			d:         Descriptor{OS: Linux, Arch: "x86_64", Triple: "x86_64-unknown-linux-gnu"},
			strategy:  Native,
			stripTool: "strip",
		},
		{
			d:         Descriptor{OS: Linux, Arch: "aarch64", Triple: "aarch64-unknown-linux-gnu", Cross: true},
			strategy:  Cross,
			packages:  []string{"binutils-aarch64-linux-gnu"},
			stripTool: "aarch64-linux-gnu-strip",
		},
		{
			d:         Descriptor{OS: Linux, Arch: "arm", Triple: "arm-unknown-linux-gnueabihf", Cross: true},
			strategy:  Cross,
			packages:  []string{"binutils-arm-linux-gnueabihf"},
			stripTool: "arm-linux-gnueabihf-strip",
		},
		{
			// Same triple built natively needs no foreign binutils.
			d:         Descriptor{OS: Linux, Arch: "aarch64", Triple: "aarch64-unknown-linux-gnu"},
			strategy:  Native,
			stripTool: "strip",
		},
		{
			d:         Descriptor{OS: Linux, Arch: "x86_64", Triple: "x86_64-unknown-linux-musl", Cross: true},
			strategy:  Cross,
			stripTool: "strip",
		},
		{
			d:        Descriptor{OS: Linux, Arch: "riscv64", Triple: "riscv64gc-unknown-linux-gnu", Cross: true},
			strategy: Cross,
		},
		{
			d:        Descriptor{OS: Windows, Arch: "x86_64", Triple: "x86_64-pc-windows-msvc"},
			strategy: Native,
		},
		{
			d: Descriptor{
				OS: Linux, Arch: "i686", Triple: "i686-unknown-linux-gnu", Cross: true,
				Packages: []string{"libc6-dev-i386", "binutils-i686-linux-gnu"},
			},
			strategy:  Cross,
			packages:  []string{"binutils-i686-linux-gnu", "libc6-dev-i386"},
			stripTool: "i686-linux-gnu-strip",
		},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/cross=%v", tt.d.Triple, tt.d.Cross), func(t *testing.T) {
			p := PlanFor(tt.d)
			if p.Strategy != tt.strategy {
				t.Errorf("Strategy = %v, want %v", p.Strategy, tt.strategy)
			}
			if !slices.Equal(p.Packages, tt.packages) {
				t.Errorf("Packages = %v, want %v", p.Packages, tt.packages)
			}
			if p.StripTool != tt.stripTool {
				t.Errorf("StripTool = %q, want %q", p.StripTool, tt.stripTool)
			}
		})
	}
}
