package bridge

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/titanous/json5"
)

// Callback is a host to page call, e.g.
// {method: 'onLocationChanged', args: ['-26.2', '28.04']}.
type Callback struct {
	Method string        `json:"method"`
	Args   []interface{} `json:"args"`
}

// Dispatch decodes a json5 callback message and invokes it.
func (b *Bridge) Dispatch(msg []byte) error {
	var c Callback
	if err := json5.Unmarshal(msg, &c); err != nil {
		return fmt.Errorf("invalid bridge callback: %w", err)
	}
	return b.Invoke(c.Method, c.Args...)
}

// Invoke runs the named callback with positional arguments. Numbers may
// arrive as JSON numbers or strings.
func (b *Bridge) Invoke(method string, args ...interface{}) error {
	a := argList{method: method, args: args}
	switch method {
	case "onLocationChanged":
		lat, lon := a.float(0), a.float(1)
		if a.err != nil {
			return a.err
		}
		b.OnLocationChanged(lat, lon)
	case "onProfileChanged":
		nickname, avatar := a.string(0), a.string(1)
		if a.err != nil {
			return a.err
		}
		b.OnProfileChanged(nickname, avatar)
	case "onPresenceChanged":
		presence := a.string(0)
		if a.err != nil {
			return a.err
		}
		b.OnPresenceChanged(presence)
	case "onMediaSentResponse":
		code, url := a.int(0), a.string(1)
		if a.err != nil {
			return a.err
		}
		b.OnMediaSentResponse(code, url)
	case "onLocationSentResponse":
		code := a.int(0)
		if a.err != nil {
			return a.err
		}
		b.OnLocationSentResponse(code)
	default:
		return fmt.Errorf("unknown bridge callback '%s'", method)
	}
	return nil
}

type argList struct {
	method string
	args   []interface{}
	err    error
}

func (a *argList) get(i int) (interface{}, bool) {
	if a.err != nil {
		return nil, false
	}
	if i >= len(a.args) {
		a.err = fmt.Errorf("%s: missing argument %d", a.method, i)
		return nil, false
	}
	return a.args[i], true
}

func (a *argList) string(i int) string {
	v, ok := a.get(i)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func (a *argList) float(i int) float64 {
	v, ok := a.get(i)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			a.err = fmt.Errorf("%s: argument %d: %w", a.method, i, err)
		}
		return f
	default:
		a.err = fmt.Errorf("%s: argument %d is not a number", a.method, i)
		return 0
	}
}

func (a *argList) int(i int) int {
	v, ok := a.get(i)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		c, err := strconv.Atoi(n)
		if err != nil {
			a.err = fmt.Errorf("%s: argument %d: %w", a.method, i, err)
		}
		return c
	default:
		a.err = fmt.Errorf("%s: argument %d is not a number", a.method, i)
		return 0
	}
}

// decodeURL undoes the base64 encoding the host applies to media urls and
// passes anything else through. A decoding only counts when it yields an
// absolute url or path.
func decodeURL(encoded string) string {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(encoded); err == nil && isMediaURL(string(b)) {
			return string(b)
		}
	}
	return encoded
}

func isMediaURL(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if r == ' ' || !unicode.IsPrint(r) {
			return false
		}
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.Scheme != "" || strings.HasPrefix(s, "/")
}
