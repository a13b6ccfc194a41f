package connectivity

type linkInfo struct {
	Index    int
	Name     string
	Up       bool
	Loopback bool
}

type routeInfo struct {
	LinkIndex int
	Default   bool
}

// classifyPath reports usable when a default route points at an up,
// non-loopback link.
func classifyPath(links []linkInfo, routes []routeInfo) State {
	up := make(map[int]struct{}, len(links))
	for _, l := range links {
		if l.Up && !l.Loopback {
			up[l.Index] = struct{}{}
		}
	}
	if len(up) == 0 {
		return StateUnusable
	}
	for _, r := range routes {
		if !r.Default {
			continue
		}
		if _, ok := up[r.LinkIndex]; ok {
			return StateUsable
		}
	}
	return StateWaiting
}
