package validation

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Warning collects non-fatal findings.
type Warning error

func AppendError(err error, errs ...error) error {
	if len(errs) == 0 {
		return err
	}
	return errors.Join(append([]error{err}, errs...)...)
}

func ValidateListenAddr(addr, fieldPath string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %v", fieldPath, addr, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("invalid %s %q: port must be between 0 and 65535", fieldPath, addr)
	}
	return nil
}
