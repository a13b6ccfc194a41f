//go:build linux

package connectivity

import (
	"time"

	"github.com/NodePath81/speedcheck/internal/util"
)

func newAutoSource(_ time.Duration, logger util.Logger) PathSource {
	return NewNetlinkSource(logger)
}

func newNetlinkSource(logger util.Logger) (PathSource, error) {
	return NewNetlinkSource(logger), nil
}
