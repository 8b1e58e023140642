package export

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ayobaapps/bgm-recorder/internal/appstats"
	"github.com/ayobaapps/bgm-recorder/internal/bridge"
	"github.com/ayobaapps/bgm-recorder/internal/pubsub"
	"github.com/ayobaapps/bgm-recorder/internal/pubsub/events"
	"github.com/ayobaapps/bgm-recorder/internal/session"
	"github.com/pkg/errors"
)

var (
	_ session.Sharer = (*BridgeSharer)(nil)
	_ session.Sharer = (*PubSubSharer)(nil)
)

// BridgeSharer hands the downloaded artifact to the native host.
type BridgeSharer struct {
	files  *FileExporter
	bridge *bridge.Bridge
}

func NewBridgeSharer(files *FileExporter, b *bridge.Bridge) *BridgeSharer {
	return &BridgeSharer{files: files, bridge: b}
}

// Share writes the artifact, then asks the host to send it and opens the
// composer with title and text. Without a host the artifact is still
// written and its URL returned.
func (s *BridgeSharer) Share(ctx context.Context, a session.Artifact, info session.ShareInfo) (string, error) {
	url, err := s.files.download(ctx, a, events.ExportModeShare)
	appstats.OnExport(events.ExportModeShare, len(a.Data), err)
	if err != nil {
		return "", err
	}

	s.bridge.SendMedia(url, a.MimeType)
	if draft := composeDraft(info); draft != "" {
		s.bridge.ComposeMessage(draft)
	}
	return url, nil
}

func composeDraft(info session.ShareInfo) string {
	return strings.TrimSpace(strings.TrimSpace(info.Title) + "\n" + strings.TrimSpace(info.Text))
}

// PubSubSharer announces the downloaded artifact on the publish channel so
// the client can run its own share sheet.
type PubSubSharer struct {
	files   *FileExporter
	ps      pubsub.PubSub
	channel string
}

func NewPubSubSharer(files *FileExporter, ps pubsub.PubSub, channel string) *PubSubSharer {
	return &PubSubSharer{files: files, ps: ps, channel: channel}
}

func (s *PubSubSharer) Share(ctx context.Context, a session.Artifact, info session.ShareInfo) (string, error) {
	url, err := s.files.download(ctx, a, events.ExportModeShare)
	if err == nil {
		err = s.publish(a, info, url)
	}
	appstats.OnExport(events.ExportModeShare, len(a.Data), err)
	if err != nil {
		return "", err
	}
	return url, nil
}

func (s *PubSubSharer) publish(a session.Artifact, info session.ShareInfo, url string) error {
	msg, err := json.Marshal(&events.RecordingShared{
		Id:        events.RecordingSharedKey,
		SessionId: a.Session,
		Title:     info.Title,
		Text:      info.Text,
		URL:       url,
		MimeType:  a.MimeType,
	})
	if err != nil {
		return errors.Wrap(err, "marshal recordingShared")
	}
	return errors.Wrapf(s.ps.Publish(s.channel, msg), "publish to %s", s.channel)
}
