package validation

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/samber/lo"

	v1 "github.com/DragonSecurity/cdprelay/pkg/config/v1"
)

var SupportedServerSchemes = []string{"http", "https", "ws", "wss"}

func ValidateTargetConfig(c *v1.TargetConfig) (Warning, error) {
	var (
		warnings Warning
		errs     error
	)

	if c.Server == "" {
		errs = AppendError(errs, errors.New("server is required"))
	} else if u, err := url.Parse(c.Server); err != nil || !lo.Contains(SupportedServerSchemes, strings.ToLower(u.Scheme)) {
		errs = AppendError(errs, fmt.Errorf("invalid server %q, expected one of the schemes %v", c.Server, SupportedServerSchemes))
	}
	if strings.TrimSpace(c.UUID) == "" {
		errs = AppendError(errs, errors.New("uuid is required"))
	}
	if c.URL != "" {
		if _, err := url.Parse(c.URL); err != nil {
			errs = AppendError(errs, fmt.Errorf("invalid url: %v", err))
		}
	}
	if c.FrameID != "" && !strings.Contains(c.FrameID, ".") {
		warnings = AppendError(warnings, fmt.Errorf("frame_id %q is not of the form <n>.<n>", c.FrameID))
	}
	if dup := lo.FindDuplicates(c.Domains); len(dup) > 0 {
		warnings = AppendError(warnings, fmt.Errorf("domains listed twice: %v", dup))
	}
	return warnings, errs
}
