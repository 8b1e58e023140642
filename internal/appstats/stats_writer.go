package appstats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

type StatsFileOutput struct {
	Recording      *RecordingStats `json:"recording"`
	StatsTimestamp int64           `json:"statsTimestamp"`
}

type StatsFileWriter struct {
	basePath string
	fileMode os.FileMode
}

func NewStatsFileWriter(basePath string, fileMode os.FileMode) *StatsFileWriter {
	return &StatsFileWriter{
		basePath: basePath,
		fileMode: fileMode,
	}
}

// StatsFilePath returns where the stats of mediaFile are written:
// the media file name with its extension replaced by -stats.json.
func (w *StatsFileWriter) StatsFilePath(mediaFile string) string {
	if !filepath.IsAbs(mediaFile) {
		mediaFile = filepath.Join(w.basePath, mediaFile)
	}
	return fmt.Sprintf("%s-stats.json", strings.TrimSuffix(mediaFile, filepath.Ext(mediaFile)))
}

func (w *StatsFileWriter) WriteStats(mediaFile string, stats *StatsFileOutput) error {
	statsFilePath := w.StatsFilePath(mediaFile)

	jsonData, err := json.MarshalIndent(stats, "", "  ")

	if err != nil {
		return fmt.Errorf("JSON marshalling failed: %w", err)
	}

	if err := os.WriteFile(statsFilePath, jsonData, w.fileMode); err != nil {
		return fmt.Errorf("failed to write stats file: %w", err)
	}

	log.WithField("path", statsFilePath).
		WithField("stats", string(jsonData)).
		Tracef("Wrote recording stats to file")

	return nil
}
