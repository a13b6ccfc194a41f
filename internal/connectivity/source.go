package connectivity

import (
	"fmt"
	"time"

	"github.com/NodePath81/speedcheck/internal/config"
	"github.com/NodePath81/speedcheck/internal/util"
)

// NewSource builds the path source named by connectivity.source.
func NewSource(kind string, interval time.Duration, logger util.Logger) (PathSource, error) {
	switch kind {
	case config.SourceAuto, "":
		return newAutoSource(interval, logger), nil
	case config.SourceNetlink:
		return newNetlinkSource(logger)
	case config.SourceInterfaces:
		return NewInterfaceSource(interval, logger), nil
	case config.SourceAlways:
		return &StaticSource{States: []State{StateUsable}}, nil
	default:
		return nil, fmt.Errorf("unknown connectivity source %q", kind)
	}
}
