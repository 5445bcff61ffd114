package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProbeMatrix(t *testing.T) {
	cases := []struct {
		os, arch       string
		platform, want string
		ok             bool
	}{
		{"windows", "amd64", Win32, X64, true},
		{"Windows 11", "x86_64", Win32, X64, true},
		{"darwin", "arm64", Darwin, ARM64, true},
		{"Mac OS X", "aarch64", Darwin, ARM64, true},
		{"linux", "amd64", Linux, X64, true},
		{"freebsd", "amd64", "", X64, false},
		{"linux", "386", Linux, "", false},
	}
	for _, c := range cases {
		got := Probe(c.os, c.arch)
		assert.Equal(t, c.platform, got.Platform, c.os)
		assert.Equal(t, c.want, got.Arch, c.arch)
		assert.Equal(t, c.ok, got.Supported, c.os+"/"+c.arch)
	}
}

func TestResolveFilenames(t *testing.T) {
	d := Resolve(Probe("darwin", "arm64"), "1.4.0", "1.3.2", "https://example.test/wingman/")
	assert.Equal(t, "bitowingman-1.4.0-darwin-arm64", d.BinaryFileName)
	assert.Equal(t, "bitowingman-tools-1.3.2-darwin-arm64.zip", d.ToolsZipFileName)

	d = Resolve(Probe("windows", "amd64"), "1.4.0", "1.4.0", "")
	assert.Equal(t, "bitowingman-1.4.0-win32-x64.exe", d.BinaryFileName)

	d = Resolve(Probe("linux", "amd64"), "1.4.0", "1.4.0", "")
	assert.Equal(t, "bitowingman-1.4.0-linux-x64.exe", d.BinaryFileName)
	assert.Equal(t, "bitowingman-tools-1.4.0-linux-x64.zip", d.ToolsZipFileName)
}

func TestResolveUnsupportedLeavesNamesEmpty(t *testing.T) {
	d := Resolve(Probe("plan9", "mips"), "1.0.0", "1.0.0", "")
	assert.False(t, d.Supported)
	assert.Empty(t, d.BinaryFileName)
	assert.Empty(t, d.ToolsZipFileName)
}
