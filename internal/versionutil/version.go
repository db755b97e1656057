// Package versionutil holds build metadata injected via -ldflags.
package versionutil

import (
	"fmt"
	"runtime"
	"strings"
)

// Set at build time, e.g.
// -ldflags "-X github.com/koltyakov/backhaul/internal/versionutil.Version=1.2.0".
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// EnsureVPrefix returns s with a leading "v" if it doesn't already have one.
func EnsureVPrefix(s string) string {
	if s != "" && !strings.HasPrefix(s, "v") {
		return "v" + s
	}
	return s
}

// Normalize returns v as a display version. Release builds gain a "v"
// prefix; "dev" and empty values become "dev".
func Normalize(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || v == "dev" {
		return "dev"
	}
	return EnsureVPrefix(v)
}

// String renders the full version line for the named binary.
func String(name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", name, Normalize(Version))
	if c := strings.TrimSpace(Commit); c != "" {
		if len(c) > 12 {
			c = c[:12]
		}
		fmt.Fprintf(&b, " (%s", c)
		if d := strings.TrimSpace(Date); d != "" {
			fmt.Fprintf(&b, ", %s", d)
		}
		b.WriteString(")")
	}
	fmt.Fprintf(&b, " %s/%s", runtime.GOOS, runtime.GOARCH)
	return b.String()
}
