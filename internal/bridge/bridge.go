package bridge

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/ayobaapps/bgm-recorder/internal/appstats"
	log "github.com/sirupsen/logrus"
)

// Host is the native shell a page runs in. Outbound calls are fire and
// forget; the getters answer synchronously.
type Host interface {
	Finish()
	SendMessage(text string)
	ComposeMessage(draft string)
	SendMedia(url, mimeType string)
	SendLocation(lat, lon float64)
	Country() string
	Msisdn() string
	CanSendMessage() bool
	Language() string
}

// Location is the last position reported by the host.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Profile struct {
	Nickname   string `json:"nickname"`
	AvatarPath string `json:"avatarPath"`
}

// MediaSent is the host's answer to SendMedia. URL is decoded from the
// base64 form the host reports.
type MediaSent struct {
	Code int    `json:"code"`
	URL  string `json:"url"`
}

const (
	ResponseFailed = 0
	ResponseSent   = 1
)

// Listener receives host callbacks after the bridge has recorded them.
// Every method is optional; embed NopListener to implement a subset.
type Listener interface {
	LocationChanged(l Location)
	ProfileChanged(p Profile)
	PresenceChanged(presence string)
	MediaSent(r MediaSent)
	LocationSent(code int)
}

type NopListener struct{}

func (NopListener) LocationChanged(Location) {}
func (NopListener) ProfileChanged(Profile)   {}
func (NopListener) PresenceChanged(string)   {}
func (NopListener) MediaSent(MediaSent)      {}
func (NopListener) LocationSent(int)         {}

// Bridge forwards calls to an optional host. Without a host every outbound
// call is a no-op and the getters return zero values.
type Bridge struct {
	host   Host
	logger *log.Entry

	mu           sync.Mutex
	listeners    []Listener
	location     *Location
	profile      *Profile
	presence     string
	mediaSent    *MediaSent
	locationSent *int
}

func New(ctx context.Context, host Host) *Bridge {
	return &Bridge{
		host:   host,
		logger: log.WithField("session", ctx.Value("session")),
	}
}

func (b *Bridge) HasHost() bool {
	return b != nil && b.host != nil
}

func (b *Bridge) AddListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *Bridge) call(method string, fn func(h Host)) {
	if !b.HasHost() {
		return
	}
	appstats.OnBridgeCall(method)
	b.logger.Debugf("bridge call %s", method)
	fn(b.host)
}

func (b *Bridge) Finish() {
	b.call("finish", func(h Host) { h.Finish() })
}

func (b *Bridge) SendMessage(text string) {
	b.call("sendMessage", func(h Host) { h.SendMessage(text) })
}

func (b *Bridge) ComposeMessage(draft string) {
	b.call("composeMessage", func(h Host) { h.ComposeMessage(draft) })
}

func (b *Bridge) SendMedia(url, mimeType string) {
	b.call("sendMedia", func(h Host) { h.SendMedia(url, mimeType) })
}

func (b *Bridge) SendLocation(lat, lon float64) {
	b.call("sendLocation", func(h Host) { h.SendLocation(lat, lon) })
}

func (b *Bridge) Country() string {
	if !b.HasHost() {
		return ""
	}
	return b.host.Country()
}

func (b *Bridge) Msisdn() string {
	if !b.HasHost() {
		return ""
	}
	return b.host.Msisdn()
}

func (b *Bridge) CanSendMessage() bool {
	if !b.HasHost() {
		return false
	}
	return b.host.CanSendMessage()
}

func (b *Bridge) Language() string {
	if !b.HasHost() {
		return ""
	}
	return b.host.Language()
}

var tagPattern = regexp.MustCompile(`</?[^>]+(>|$)`)

// StripTags replaces every markup tag with a newline.
func StripTags(html string) string {
	return tagPattern.ReplaceAllString(html, "\n")
}

// SendMessageHTML sends markup as plain text and closes the page.
func (b *Bridge) SendMessageHTML(html string) {
	b.SendMessage(StripTags(html))
	b.Finish()
}

// ComposeAndFinish opens the host composer with draft and closes the page.
func (b *Bridge) ComposeAndFinish(draft string) {
	b.ComposeMessage(strings.TrimSpace(draft))
	b.Finish()
}

// State is what the host has reported so far.
type State struct {
	Location     *Location  `json:"location,omitempty"`
	Profile      *Profile   `json:"profile,omitempty"`
	Presence     string     `json:"presence,omitempty"`
	MediaSent    *MediaSent `json:"mediaSent,omitempty"`
	LocationSent *int       `json:"locationSent,omitempty"`
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		Location:     b.location,
		Profile:      b.profile,
		Presence:     b.presence,
		MediaSent:    b.mediaSent,
		LocationSent: b.locationSent,
	}
}

func (b *Bridge) notify(fn func(l Listener)) {
	b.mu.Lock()
	listeners := append([]Listener(nil), b.listeners...)
	b.mu.Unlock()
	for _, l := range listeners {
		fn(l)
	}
}

// OnLocationChanged is invoked by the host on every location event. A
// position of 0,0 usually means the host could not get a GPS fix.
func (b *Bridge) OnLocationChanged(lat, lon float64) {
	l := Location{Lat: lat, Lon: lon}
	b.mu.Lock()
	b.location = &l
	b.mu.Unlock()
	if lat == 0 && lon == 0 {
		b.logger.Debug("host reported an empty location")
	}
	b.notify(func(ln Listener) { ln.LocationChanged(l) })
}

func (b *Bridge) OnProfileChanged(nickname, avatarPath string) {
	p := Profile{Nickname: nickname, AvatarPath: avatarPath}
	b.mu.Lock()
	b.profile = &p
	b.mu.Unlock()
	b.notify(func(ln Listener) { ln.ProfileChanged(p) })
}

func (b *Bridge) OnPresenceChanged(presence string) {
	b.mu.Lock()
	b.presence = presence
	b.mu.Unlock()
	b.notify(func(ln Listener) { ln.PresenceChanged(presence) })
}

func (b *Bridge) OnMediaSentResponse(code int, encodedURL string) {
	r := MediaSent{Code: code, URL: decodeURL(encodedURL)}
	b.mu.Lock()
	b.mediaSent = &r
	b.mu.Unlock()
	if code != ResponseSent {
		b.logger.Warnf("host could not send media %s", r.URL)
	}
	b.notify(func(ln Listener) { ln.MediaSent(r) })
}

func (b *Bridge) OnLocationSentResponse(code int) {
	b.mu.Lock()
	b.locationSent = &code
	b.mu.Unlock()
	if code != ResponseSent {
		b.logger.Warn("host could not send location")
	}
	b.notify(func(ln Listener) { ln.LocationSent(code) })
}
