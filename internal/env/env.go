// Package env resolves the host conventions every other component relies on:
// OS family, script and executable naming, and the installation root.
//
// This is the only place in the codebase that looks at the operating system.
// Resolve is pure; Current feeds it runtime.GOOS.
package env

import (
	"path/filepath"
	"runtime"
	"strings"
)

// OSFamily groups operating systems by the conventions nodes follow on them.
type OSFamily string

const (
	OSLinux   OSFamily = "linux"
	OSDarwin  OSFamily = "darwin"
	OSWindows OSFamily = "windows"
	// OSUnix covers any other unix-like system.
	OSUnix OSFamily = "unix"
)

// Directory and file names of the on-disk node layout.
const (
	NodesDirName      = "nodes"
	ConfigDirName     = "config"
	DataDirName       = "data"
	LogsDirName       = "logs"
	ServerConfigFile  = "server.conf"
	HeapOptionsFile   = "heap.options"
	LoggingConfigFile = "logging.conf"
	PIDFile           = "pid.json"
	LaunchTranscript  = "launch.out"
)

// Environment is the resolved set of host conventions.
type Environment struct {
	OSFamily        OSFamily
	ScriptExtension string
	InstallRoot     string
	RuntimeHome     string
	ServiceUser     string
	// EngineBinary is the search-engine launcher, relative to InstallRoot.
	EngineBinary string
}

// Resolve derives the environment for the given GOOS value. installRoot is
// cleaned; nothing is read from disk.
func Resolve(goos, installRoot, runtimeHome, serviceUser string) Environment {
	family := familyOf(goos)
	e := Environment{
		OSFamily:    family,
		InstallRoot: cleanRoot(installRoot),
		RuntimeHome: runtimeHome,
		ServiceUser: serviceUser,
	}
	if family == OSWindows {
		e.ScriptExtension = ".bat"
		e.EngineBinary = filepath.Join("bin", "elasticsearch.bat")
	} else {
		e.ScriptExtension = ".sh"
		e.EngineBinary = filepath.Join("bin", "elasticsearch")
	}
	return e
}

// Current resolves the environment for the running host.
func Current(installRoot, runtimeHome, serviceUser string) Environment {
	return Resolve(runtime.GOOS, installRoot, runtimeHome, serviceUser)
}

func familyOf(goos string) OSFamily {
	switch strings.ToLower(goos) {
	case "linux":
		return OSLinux
	case "darwin":
		return OSDarwin
	case "windows":
		return OSWindows
	default:
		return OSUnix
	}
}

func cleanRoot(root string) string {
	if root == "" {
		return ""
	}
	return filepath.Clean(root)
}

// IsWindows reports whether the environment follows Windows conventions.
func (e Environment) IsWindows() bool {
	return e.OSFamily == OSWindows
}

// NodesDir returns <InstallRoot>/nodes.
func (e Environment) NodesDir() string {
	return filepath.Join(e.InstallRoot, NodesDirName)
}

// NodeRoot returns the conventional root directory of a node.
func (e Environment) NodeRoot(name string) string {
	return filepath.Join(e.NodesDir(), name)
}

// StartScriptName returns start.sh or start.bat.
func (e Environment) StartScriptName() string {
	return "start" + e.ScriptExtension
}

// EnginePath returns the absolute path of the engine launcher.
func (e Environment) EnginePath() string {
	return filepath.Join(e.InstallRoot, e.EngineBinary)
}

// Layout is the conventional set of paths for a node rooted at Root.
type Layout struct {
	Root        string
	ConfigDir   string
	DataDir     string
	LogsDir     string
	StartScript string
}

// LayoutFor returns the conventional layout of a node rooted at root.
func (e Environment) LayoutFor(root string) Layout {
	config := filepath.Join(root, ConfigDirName)
	return Layout{
		Root:        root,
		ConfigDir:   config,
		DataDir:     filepath.Join(root, DataDirName),
		LogsDir:     filepath.Join(root, LogsDirName),
		StartScript: filepath.Join(config, e.StartScriptName()),
	}
}

// IsWithin reports whether path is root itself or nested below it.
func IsWithin(root, path string) bool {
	if root == "" || path == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Reanchor moves path from below oldRoot to the same offset below newRoot.
// Paths outside oldRoot are returned unchanged with ok=false.
func Reanchor(path, oldRoot, newRoot string) (string, bool) {
	if !IsWithin(oldRoot, path) {
		return path, false
	}
	rel, err := filepath.Rel(filepath.Clean(oldRoot), filepath.Clean(path))
	if err != nil {
		return path, false
	}
	return filepath.Join(newRoot, rel), true
}
