package backend

import (
	"fmt"
	"time"

	"github.com/DragonSecurity/cdprelay/pkg/proto"
	"github.com/DragonSecurity/cdprelay/pkg/util"
)

// CDP domains the relay knows by name.
const (
	DomainNetwork   = "Network"
	DomainPage      = "Page"
	DomainLog       = "Log"
	DomainTarget    = "Target"
	DomainWebdriver = "Webdriver"
	DomainDebugger  = "Debugger"
	DomainRuntime   = "Runtime"
)

// ServerDomains are enabled on every page regardless of what the target supports.
var ServerDomains = []string{DomainNetwork, DomainLog, DomainWebdriver}

// Command is a client command answered by the relay instead of the target.
type Command int

const (
	CmdNetworkGetResponseBody Command = iota + 1
	CmdNetworkGetCookies
	CmdNetworkSetCookie
	CmdNetworkDeleteCookies
	CmdNetworkEmulateNetworkConditions
	CmdPageGetResourceContent
	CmdWebdriverInfo
)

func (c Command) String() string {
	switch c {
	case CmdNetworkGetResponseBody:
		return "Network.getResponseBody"
	case CmdNetworkGetCookies:
		return "Network.getCookies"
	case CmdNetworkSetCookie:
		return "Network.setCookie"
	case CmdNetworkDeleteCookies:
		return "Network.deleteCookies"
	case CmdNetworkEmulateNetworkConditions:
		return "Network.emulateNetworkConditions"
	case CmdPageGetResourceContent:
		return "Page.getResourceContent"
	case CmdWebdriverInfo:
		return "Webdriver.info"
	}
	return fmt.Sprintf("Command(%d)", int(c))
}

// lookupCommand reports whether domain.method is handled by the relay.
func lookupCommand(domain, method string) (Command, bool) {
	switch domain + "." + method {
	case "Network.getResponseBody":
		return CmdNetworkGetResponseBody, true
	case "Network.getCookies":
		return CmdNetworkGetCookies, true
	case "Network.setCookie":
		return CmdNetworkSetCookie, true
	case "Network.deleteCookies":
		return CmdNetworkDeleteCookies, true
	case "Network.emulateNetworkConditions":
		return CmdNetworkEmulateNetworkConditions, true
	case "Page.getResourceContent":
		return CmdPageGetResourceContent, true
	case "Webdriver.info":
		return CmdWebdriverInfo, true
	}
	return 0, false
}

// Domains holds the relay-side domain handlers. One set is owned by each Backend.
type Domains struct {
	Network   *NetworkDomain
	Page      *PageDomain
	Log       *LogDomain
	Target    *TargetDomain
	Webdriver *WebdriverDomain
}

func NewDomains(responseTimeout time.Duration, log *util.Logger) *Domains {
	return &Domains{
		Network:   NewNetworkDomain(responseTimeout, log),
		Page:      &PageDomain{},
		Log:       &LogDomain{},
		Target:    &TargetDomain{},
		Webdriver: &WebdriverDomain{},
	}
}

// dispatch runs cmd. A nil result with a nil error means the handler answers
// the client on its own.
func (d *Domains) dispatch(cmd Command, p *Page, msg *proto.Message) (any, error) {
	switch cmd {
	case CmdNetworkGetResponseBody:
		return d.Network.GetResponseBody(p, msg)
	case CmdNetworkGetCookies:
		return d.Network.GetCookies(p, msg)
	case CmdNetworkSetCookie:
		return d.Network.SetCookie(p, msg)
	case CmdNetworkDeleteCookies:
		return d.Network.DeleteCookies(p, msg)
	case CmdNetworkEmulateNetworkConditions:
		return d.Network.EmulateNetworkConditions(p, msg)
	case CmdPageGetResourceContent:
		return d.Page.GetResourceContent(p, msg)
	case CmdWebdriverInfo:
		return d.Webdriver.Info(p), nil
	}
	return nil, fmt.Errorf("unhandled command %s", cmd)
}
