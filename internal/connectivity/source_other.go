//go:build !linux

package connectivity

import (
	"errors"
	"time"

	"github.com/NodePath81/speedcheck/internal/util"
)

func newAutoSource(interval time.Duration, logger util.Logger) PathSource {
	return NewInterfaceSource(interval, logger)
}

func newNetlinkSource(util.Logger) (PathSource, error) {
	return nil, errors.New("netlink path source requires linux")
}
