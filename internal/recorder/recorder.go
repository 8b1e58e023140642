package recorder

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ayobaapps/bgm-recorder/internal/config"
	log "github.com/sirupsen/logrus"
)

// CheckFsPermissions verifies at boot that the recordings directory exists and
// that files with the configured mode can be created in it.
func CheckFsPermissions(cfg config.Recorder) error {
	dir := path.Clean(cfg.Directory)

	if err := checkDirectory(dir); err != nil {
		return err
	}

	fileMode, err := ParseFileMode(cfg.FileMode)
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, ".rec-file-perm-check-*")
	if err != nil {
		return fmt.Errorf("recorder directory is not writable: %w", err)
	}

	defer func() {
		_ = tmpFile.Close()
		if err := os.Remove(tmpFile.Name()); err != nil {
			log.WithField("file", tmpFile.Name()).Warnf("could not remove permission check file: %v", err)
		}
	}()

	if err := tmpFile.Chmod(fileMode); err != nil {
		return fmt.Errorf("cannot apply file mode %s: %w", cfg.FileMode, err)
	}

	return nil
}

// ValidateAndPrepareFile resolves file inside the recordings directory,
// creating intermediate directories, and refuses to overwrite.
func ValidateAndPrepareFile(cfg config.Recorder, file string) (string, os.FileMode, error) {
	dir := path.Clean(cfg.Directory)

	if err := checkDirectory(dir); err != nil {
		return "", 0, err
	}

	file = path.Clean(dir + string(os.PathSeparator) + file)
	if rel, err := filepath.Rel(dir, file); err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", 0, fmt.Errorf("file escapes recorder directory: %s", file)
	}
	fileDir := path.Dir(file)

	if _, err := os.Stat(fileDir); err != nil {
		if !os.IsNotExist(err) {
			return "", 0, fmt.Errorf("file directory is not accessible %s", fileDir)
		}

		dirFileMode, err := ParseFileMode(cfg.DirFileMode)
		if err != nil {
			return "", 0, err
		}

		if err = os.MkdirAll(fileDir, dirFileMode); err != nil && !os.IsExist(err) {
			return "", 0, fmt.Errorf("file directory could not be created %s", fileDir)
		}
	}

	if _, err := os.Stat(file); !os.IsNotExist(err) {
		return "", 0, fmt.Errorf("file already exists %s", file)
	}

	fileMode, err := ParseFileMode(cfg.FileMode)
	if err != nil {
		return "", 0, err
	}

	return file, fileMode, nil
}

func ParseFileMode(mode string) (os.FileMode, error) {
	if parsedFileMode, err := strconv.ParseUint(mode, 0, 32); err != nil {
		return 0, fmt.Errorf("invalid file mode %s", mode)
	} else {
		return os.FileMode(parsedFileMode), nil
	}
}

func checkDirectory(dir string) error {
	if fileInfo, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("recorder directory does not exist: %s", dir)
		}
		return fmt.Errorf("could not stat recorder directory %s: %w", dir, err)
	} else if !fileInfo.IsDir() {
		return fmt.Errorf("recorder path is not a directory: %s", dir)
	}

	return nil
}
