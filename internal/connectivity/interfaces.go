package connectivity

import (
	"context"
	"net"
	"time"

	"github.com/NodePath81/speedcheck/internal/util"
)

// InterfaceSource polls the interface table. An up interface holding a
// global unicast address stands in for a default route.
type InterfaceSource struct {
	interval time.Duration
	logger   util.Logger
	snapshot func() ([]linkInfo, []routeInfo, error)
}

func NewInterfaceSource(interval time.Duration, logger util.Logger) *InterfaceSource {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = util.NewNopLogger()
	}
	return &InterfaceSource{interval: interval, logger: logger, snapshot: interfaceSnapshot}
}

func (s *InterfaceSource) Subscribe(ctx context.Context) (Subscription, error) {
	f := newFeed()
	f.run(func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		last := StateUnknown
		for {
			links, routes, err := s.snapshot()
			if err != nil {
				s.logger.Warn("interface snapshot failed", "error", err)
			} else if state := classifyPath(links, routes); state != last {
				last = state
				if !f.publish(state) {
					return
				}
			}
			select {
			case <-ticker.C:
			case <-f.done:
				return
			}
		}
	})
	return f, nil
}

func interfaceSnapshot() ([]linkInfo, []routeInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, err
	}
	links := make([]linkInfo, 0, len(ifaces))
	var routes []routeInfo
	for _, iface := range ifaces {
		links = append(links, linkInfo{
			Index:    iface.Index,
			Name:     iface.Name,
			Up:       iface.Flags&net.FlagUp != 0,
			Loopback: iface.Flags&net.FlagLoopback != 0,
		})
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if ok && ipNet.IP.IsGlobalUnicast() {
				routes = append(routes, routeInfo{LinkIndex: iface.Index, Default: true})
				break
			}
		}
	}
	return links, routes, nil
}
