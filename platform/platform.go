package platform

import "runtime"

// Operating system identifiers exposed to programs. The numbering is part of
// the native ABI and must not be reordered.
const (
	OSFreeBSD int64 = iota
	OSIOS
	OSLinux
	OSMacOS
	OSOpenBSD
	OSWindows
	OSOther
)

// OperatingSystem maps goos to its identifier.
func OperatingSystem(goos string) int64 {
	switch goos {
	case "freebsd":
		return OSFreeBSD
	case "ios":
		return OSIOS
	case "linux":
		return OSLinux
	case "darwin":
		return OSMacOS
	case "openbsd":
		return OSOpenBSD
	case "windows":
		return OSWindows
	}
	return OSOther
}

// Current returns the identifier of the host operating system.
func Current() int64 {
	return OperatingSystem(runtime.GOOS)
}
