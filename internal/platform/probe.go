// Package platform maps the running OS and architecture to release artifact names.
package platform

import (
	"fmt"
	"runtime"
	"strings"
)

// Platform names used in artifact filenames.
const (
	Win32  = "win32"
	Darwin = "darwin"
	Linux  = "linux"
)

// Architecture names used in artifact filenames.
const (
	X64   = "x64"
	ARM64 = "arm64"
)

// Target is a normalized (platform, arch) pair.
type Target struct {
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
	Supported bool   `json:"isPlatformSupported"`
}

// Descriptor names the artifacts for one release on one target.
type Descriptor struct {
	Target
	BinaryVersion    string `json:"binaryVersion"`
	ToolsVersion     string `json:"toolsVersion"`
	BinaryFileName   string `json:"binaryFileName"`
	ToolsZipFileName string `json:"toolsZipFileName"`
	DownloadURLBase  string `json:"downloadUrlBase"`
}

// Current probes the running process.
func Current() Target { return Probe(runtime.GOOS, runtime.GOARCH) }

// Probe normalizes an OS and architecture name. Both Go names (windows, amd64)
// and common system names (Windows 11, Mac OS X, x86_64, aarch64) are accepted.
func Probe(osName, arch string) Target {
	p := normalizeOS(osName)
	a := normalizeArch(arch)
	return Target{Platform: p, Arch: a, Supported: p != "" && a != ""}
}

func normalizeOS(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	switch {
	case strings.HasPrefix(n, "darwin") || strings.Contains(n, "mac"):
		return Darwin
	case strings.Contains(n, "win"):
		return Win32
	case strings.Contains(n, "linux"):
		return Linux
	}
	return ""
}

func normalizeArch(arch string) string {
	switch strings.ToLower(strings.TrimSpace(arch)) {
	case "amd64", "x86_64", "x64":
		return X64
	case "arm64", "aarch64":
		return ARM64
	}
	return ""
}

// Resolve builds the artifact descriptor for the given versions.
func Resolve(t Target, binaryVersion, toolsVersion, base string) Descriptor {
	d := Descriptor{Target: t, BinaryVersion: binaryVersion, ToolsVersion: toolsVersion, DownloadURLBase: base}
	if !t.Supported {
		return d
	}
	d.BinaryFileName = BinaryFileName(t, binaryVersion)
	d.ToolsZipFileName = ToolsZipFileName(t, toolsVersion)
	return d
}

// BinaryFileName returns bitowingman-<ver>-<platform>-<arch>[.exe].
// Only darwin omits the .exe suffix.
func BinaryFileName(t Target, version string) string {
	name := fmt.Sprintf("bitowingman-%s-%s-%s", version, t.Platform, t.Arch)
	if t.Platform != Darwin {
		name += ".exe"
	}
	return name
}

// ToolsZipFileName returns bitowingman-tools-<ver>-<platform>-<arch>.zip.
func ToolsZipFileName(t Target, version string) string {
	return fmt.Sprintf("bitowingman-tools-%s-%s-%s.zip", version, t.Platform, t.Arch)
}

// IsWindows reports whether the target uses Windows conventions.
func (t Target) IsWindows() bool { return t.Platform == Win32 }
