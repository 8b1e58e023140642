package bridge

import (
	"net/url"
	"regexp"
	"strings"
)

// Platform is the mobile OS a page runs on, as told by its user agent.
type Platform int

const (
	PlatformOther Platform = iota
	PlatformWindowsPhone
	PlatformAndroid
	PlatformIOS
)

func (p Platform) String() string {
	switch p {
	case PlatformWindowsPhone:
		return "windows-phone"
	case PlatformAndroid:
		return "android"
	case PlatformIOS:
		return "ios"
	default:
		return "other"
	}
}

var (
	windowsPhonePattern = regexp.MustCompile(`(?i)windows phone`)
	androidPattern      = regexp.MustCompile(`(?i)android`)
	iosPattern          = regexp.MustCompile(`iPad|iPhone|iPod`)
)

// DetectPlatform classifies a user agent. Windows Phone is checked first
// because its user agent also mentions Android.
func DetectPlatform(userAgent string) Platform {
	switch {
	case windowsPhonePattern.MatchString(userAgent):
		return PlatformWindowsPhone
	case androidPattern.MatchString(userAgent):
		return PlatformAndroid
	case iosPattern.MatchString(userAgent):
		return PlatformIOS
	default:
		return PlatformOther
	}
}

// Detect picks the host registered for the user agent's platform. Only
// Android has a native host; everything else gets none.
func Detect(userAgent string, hosts map[Platform]Host) Host {
	if DetectPlatform(userAgent) != PlatformAndroid {
		return nil
	}
	return hosts[PlatformAndroid]
}

// PageContext is what the host passes to a page in its url.
type PageContext struct {
	Debug   bool   `json:"debug"`
	SelfJid string `json:"jid,omitempty"`
	Context string `json:"context,omitempty"`
}

// ParsePageContext reads the debug, jid and context parameters from a page
// url or a bare query string.
func ParsePageContext(raw string) PageContext {
	query := raw
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		query = raw[i+1:]
	}
	values, _ := url.ParseQuery(query)
	return PageContext{
		Debug:   values.Get("debug") == "true",
		SelfJid: values.Get("jid"),
		Context: values.Get("context"),
	}
}
