package appstats

// RecordingStats describes one finished take as written next to the
// exported file.
type RecordingStats struct {
	Session  string `json:"session"`
	FileName string `json:"fileName"`
	Format   string `json:"format"`
	MimeType string `json:"mimeType"`
	Chunks   int    `json:"chunks"`
	Bytes    int    `json:"bytes"`
	Mode     string `json:"mode"`
}
