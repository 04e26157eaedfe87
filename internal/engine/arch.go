package engine

import (
	"fmt"
	"strings"
)

// Architecture type
type Arch int

const (
	ArchUnknown Arch = iota
	ArchAMD64
)

func (a Arch) String() string {
	switch a {
	case ArchAMD64:
		return "amd64"
	default:
		return "unknown"
	}
}

// PtrSize is the size of an address on the architecture
func (a Arch) PtrSize() int {
	switch a {
	case ArchAMD64:
		return 8
	default:
		return 0
	}
}

// ParseArch parses an architecture string (like GOARCH values)
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "x86_64", "amd64", "x86-64":
		return ArchAMD64, nil
	default:
		return ArchUnknown, fmt.Errorf("unsupported architecture: %s (supported: amd64)", s)
	}
}

// OS type
type OS int

const (
	OSLinux OS = iota
	OSDarwin
	OSFreeBSD
	OSNetBSD
	OSOpenBSD
	OSWindows
	OSPlan9
)

var osNames = map[OS]string{
	OSLinux:   "linux",
	OSDarwin:  "darwin",
	OSFreeBSD: "freebsd",
	OSNetBSD:  "netbsd",
	OSOpenBSD: "openbsd",
	OSWindows: "windows",
	OSPlan9:   "plan9",
}

func (o OS) String() string {
	if name, ok := osNames[o]; ok {
		return name
	}
	return "unknown"
}

// ParseOS parses an OS string (like GOOS values)
func ParseOS(s string) (OS, error) {
	switch strings.ToLower(s) {
	case "linux":
		return OSLinux, nil
	case "darwin", "macos":
		return OSDarwin, nil
	case "freebsd":
		return OSFreeBSD, nil
	case "netbsd":
		return OSNetBSD, nil
	case "openbsd":
		return OSOpenBSD, nil
	case "windows", "win":
		return OSWindows, nil
	case "plan9":
		return OSPlan9, nil
	default:
		return 0, fmt.Errorf("unsupported OS: %s (supported: linux, darwin, freebsd, netbsd, openbsd, windows, plan9)", s)
	}
}

// HeadType selects the output container format
type HeadType int

const (
	Hunknown HeadType = iota
	Hplan9x32
	Hplan9x64
	Helf
	Hdarwin
	Hlinux
	Hfreebsd
	Hnetbsd
	Hopenbsd
	Hwindows
)

var headNames = []struct {
	name string
	h    HeadType
}{
	{"plan9x32", Hplan9x32},
	{"plan9x64", Hplan9x64},
	{"elf", Helf},
	{"darwin", Hdarwin},
	{"linux", Hlinux},
	{"freebsd", Hfreebsd},
	{"netbsd", Hnetbsd},
	{"openbsd", Hopenbsd},
	{"windows", Hwindows},
}

func (h HeadType) String() string {
	for _, hn := range headNames {
		if hn.h == h {
			return hn.name
		}
	}
	return fmt.Sprintf("HeadType(%d)", int(h))
}

// HeadTypeNames lists every accepted -H value
func HeadTypeNames() []string {
	names := make([]string, 0, len(headNames))
	for _, hn := range headNames {
		names = append(names, hn.name)
	}
	return names
}

// ParseHeadType parses a -H value. "plan9" is accepted as an alias for plan9x64.
func ParseHeadType(s string) (HeadType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "plan9" {
		return Hplan9x64, nil
	}
	for _, hn := range headNames {
		if hn.name == s {
			return hn.h, nil
		}
	}
	if suggestion := Suggest(s, HeadTypeNames()); suggestion != "" {
		return Hunknown, fmt.Errorf("unknown header type: %s (did you mean %s?)", s, suggestion)
	}
	return Hunknown, fmt.Errorf("unknown header type: %s (supported: %s)", s, strings.Join(HeadTypeNames(), ", "))
}

// IsELF reports whether the header type belongs to the ELF executable family
func (h HeadType) IsELF() bool {
	switch h {
	case Hlinux, Hfreebsd, Hnetbsd, Hopenbsd:
		return true
	}
	return false
}

// Platform represents a target platform (architecture + OS)
type Platform struct {
	Arch Arch
	OS   OS
}

// String returns a human-readable platform string
func (p Platform) String() string {
	return fmt.Sprintf("%s-%s", p.Arch, p.OS)
}

// HeadType returns the default container format for the platform
func (p Platform) HeadType() HeadType {
	switch p.OS {
	case OSLinux:
		return Hlinux
	case OSDarwin:
		return Hdarwin
	case OSFreeBSD:
		return Hfreebsd
	case OSNetBSD:
		return Hnetbsd
	case OSOpenBSD:
		return Hopenbsd
	case OSWindows:
		return Hwindows
	case OSPlan9:
		return Hplan9x64
	}
	return Hunknown
}

// ParsePlatform parses a target string like "amd64-linux"
func ParsePlatform(s string) (Platform, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return Platform{}, fmt.Errorf("invalid target format '%s', expected ARCH-OS (e.g. amd64-linux)", s)
	}
	arch, err := ParseArch(parts[0])
	if err != nil {
		return Platform{}, err
	}
	os, err := ParseOS(parts[1])
	if err != nil {
		return Platform{}, err
	}
	return Platform{Arch: arch, OS: os}, nil
}
