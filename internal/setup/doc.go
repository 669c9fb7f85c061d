// Package setup checks that the host provides what the backends need:
// root privileges, a cgroup hierarchy, namespace support and the emulator
// tooling.
//
// This package is a collection of host checks and is therefore the only
// package that is allowed to call a global logger.
package setup
