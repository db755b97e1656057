package topology

import (
	"strings"

	"github.com/koltyakov/backhaul/internal/netutil"
)

// Surface classifies where a remote peer connects from. It is an advisory
// routing signal and never an authorization boundary.
type Surface string

const (
	SurfaceLocal    Surface = "local"
	SurfacePrivate  Surface = "private"
	SurfacePublic   Surface = "public"
	SurfaceExternal Surface = "external"
	SurfaceUnknown  Surface = "unknown"
)

// ClassifySurface maps a remote address (optionally with port) to a surface:
// loopback is local, RFC1918/ULA/link-local is private, any other bare IPv4
// is public, everything else (hostnames, public IPv6) is external.
func ClassifySurface(remoteAddr string) Surface {
	remoteAddr = strings.TrimSpace(remoteAddr)
	if remoteAddr == "" {
		return SurfaceUnknown
	}
	if netutil.IsLoopback(remoteAddr) {
		return SurfaceLocal
	}
	addr, ok := netutil.ParseAddr(remoteAddr)
	if !ok {
		return SurfaceExternal
	}
	if netutil.IsPrivate(addr) {
		return SurfacePrivate
	}
	if addr.Is4() {
		return SurfacePublic
	}
	return SurfaceExternal
}
