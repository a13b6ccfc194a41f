//go:build linux

package connectivity

import (
	"context"
	"fmt"
	"net"

	"github.com/NodePath81/speedcheck/internal/util"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const netlinkUpdateBuffer = 16

// NetlinkSource re-evaluates the main routing table whenever the kernel
// reports a link or route change.
type NetlinkSource struct {
	logger util.Logger
}

func NewNetlinkSource(logger util.Logger) *NetlinkSource {
	if logger == nil {
		logger = util.NewNopLogger()
	}
	return &NetlinkSource{logger: logger}
}

func (s *NetlinkSource) Subscribe(ctx context.Context) (Subscription, error) {
	f := newFeed()
	linkCh := make(chan netlink.LinkUpdate, netlinkUpdateBuffer)
	routeCh := make(chan netlink.RouteUpdate, netlinkUpdateBuffer)

	onError := func(err error) {
		s.logger.Warn("netlink subscription error", "error", err)
	}
	if err := netlink.LinkSubscribeWithOptions(linkCh, f.done, netlink.LinkSubscribeOptions{
		ErrorCallback: onError,
	}); err != nil {
		return nil, fmt.Errorf("link subscribe: %w", err)
	}
	if err := netlink.RouteSubscribeWithOptions(routeCh, f.done, netlink.RouteSubscribeOptions{
		ErrorCallback: onError,
	}); err != nil {
		close(f.done)
		go drain(linkCh)
		return nil, fmt.Errorf("route subscribe: %w", err)
	}

	f.run(func() {
		// The netlink receivers only notice done on their next message, so
		// keep consuming in the background until they close their channels.
		defer func() {
			go drain(linkCh)
			go drain(routeCh)
		}()
		s.watch(f, linkCh, routeCh)
	})
	return f, nil
}

func (s *NetlinkSource) watch(f *feed, linkCh <-chan netlink.LinkUpdate, routeCh <-chan netlink.RouteUpdate) {
	last := StateUnknown
	evaluate := func() bool {
		state, err := netlinkPathState()
		if err != nil {
			s.logger.Warn("path evaluation failed", "error", err)
			return true
		}
		if state == last {
			return true
		}
		last = state
		return f.publish(state)
	}

	if !evaluate() {
		return
	}
	for {
		select {
		case <-f.done:
			return
		case _, ok := <-linkCh:
			if !ok {
				linkCh = nil
				continue
			}
		case _, ok := <-routeCh:
			if !ok {
				routeCh = nil
				continue
			}
		}
		if !evaluate() {
			return
		}
	}
}

func netlinkPathState() (State, error) {
	nlLinks, err := netlink.LinkList()
	if err != nil {
		return StateUnknown, fmt.Errorf("list links: %w", err)
	}
	nlRoutes, err := netlink.RouteListFiltered(netlink.FAMILY_ALL, &netlink.Route{Table: unix.RT_TABLE_MAIN}, netlink.RT_FILTER_TABLE)
	if err != nil {
		return StateUnknown, fmt.Errorf("list routes: %w", err)
	}

	links := make([]linkInfo, 0, len(nlLinks))
	for _, l := range nlLinks {
		attrs := l.Attrs()
		links = append(links, linkInfo{
			Index:    attrs.Index,
			Name:     attrs.Name,
			Up:       attrs.Flags&net.FlagUp != 0 && attrs.OperState != netlink.OperDown,
			Loopback: attrs.Flags&net.FlagLoopback != 0,
		})
	}
	routes := make([]routeInfo, 0, len(nlRoutes))
	for _, r := range nlRoutes {
		def := isDefaultDst(r.Dst)
		if len(r.MultiPath) == 0 {
			routes = append(routes, routeInfo{LinkIndex: r.LinkIndex, Default: def})
			continue
		}
		for _, nh := range r.MultiPath {
			routes = append(routes, routeInfo{LinkIndex: nh.LinkIndex, Default: def})
		}
	}
	return classifyPath(links, routes), nil
}

func isDefaultDst(dst *net.IPNet) bool {
	if dst == nil {
		return true
	}
	ones, _ := dst.Mask.Size()
	return ones == 0 && dst.IP.IsUnspecified()
}

func drain[T any](ch <-chan T) {
	for range ch {
	}
}
