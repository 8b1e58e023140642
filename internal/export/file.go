package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ayobaapps/bgm-recorder/internal/appstats"
	"github.com/ayobaapps/bgm-recorder/internal/config"
	"github.com/ayobaapps/bgm-recorder/internal/pubsub/events"
	"github.com/ayobaapps/bgm-recorder/internal/recorder"
	"github.com/ayobaapps/bgm-recorder/internal/session"
	log "github.com/sirupsen/logrus"
)

var _ session.Exporter = (*FileExporter)(nil)

// FileExporter writes artifacts into the recordings directory. The HTTP
// server publishes that directory under MediaBaseURL.
type FileExporter struct {
	cfg     config.Recorder
	baseURL string
}

func NewFileExporter(cfg config.Recorder, exp config.Export) *FileExporter {
	return &FileExporter{
		cfg:     cfg,
		baseURL: strings.TrimSuffix(exp.MediaBaseURL, "/"),
	}
}

func (e *FileExporter) Download(ctx context.Context, a session.Artifact) (string, error) {
	url, err := e.download(ctx, a, events.ExportModeDownload)
	appstats.OnExport(events.ExportModeDownload, len(a.Data), err)
	return url, err
}

func (e *FileExporter) download(ctx context.Context, a session.Artifact, mode string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if a.Location != "" {
		return a.Location, nil
	}
	if a.Name == "" {
		return "", fmt.Errorf("artifact of session %s has no name", a.Session)
	}

	file, fileMode, err := recorder.ValidateAndPrepareFile(e.cfg, a.Name)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(file, a.Data, fileMode); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", file, err)
	}

	logger := log.WithField("session", a.Session)
	logger.WithField("file", file).Infof("wrote %d bytes in %d chunks", len(a.Data), a.Chunks)

	if e.cfg.WriteStatsFile {
		w := appstats.NewStatsFileWriter(filepath.Dir(file), fileMode)
		stats := &appstats.StatsFileOutput{
			Recording: &appstats.RecordingStats{
				Session:  a.Session,
				FileName: a.Name,
				Format:   a.Format.String(),
				MimeType: a.MimeType,
				Chunks:   a.Chunks,
				Bytes:    len(a.Data),
				Mode:     mode,
			},
			StatsTimestamp: time.Now().UnixMilli(),
		}
		if err := w.WriteStats(file, stats); err != nil {
			logger.Warnf("could not write stats file: %v", err)
		}
	}

	return e.baseURL + "/" + filepath.ToSlash(a.Name), nil
}
