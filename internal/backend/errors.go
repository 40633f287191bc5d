package backend

import (
	"errors"

	"github.com/DragonSecurity/cdprelay/internal/tracker"
	"github.com/DragonSecurity/cdprelay/pkg/proto"
)

var (
	ErrNoSuchPage         = errors.New("no such page")
	ErrNoTarget           = errors.New("no target connected")
	ErrCorrelationTimeout = errors.New("timed out waiting for target")
	ErrMalformedMessage   = proto.ErrMalformed
	ErrGzipDecode         = tracker.ErrGzipDecode
)
