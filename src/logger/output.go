package logger

import (
	"errors"
	"io"
	"os"
	"sync"

	"smartgrid-relay/src/models"

	"github.com/natefinch/lumberjack"
)

// One rotating writer per path, shared by every named logger.
var (
	filesMu sync.Mutex
	files   = make(map[string]*lumberjack.Logger)
)

// -----------------------------------------------------------------------------

func outputFor(config interface{}) io.Writer {
	fc := fileConfig(config)
	if fc.Path == "" {
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, rotatingFile(fc))
}

func fileConfig(config interface{}) models.MLogFileConfig {
	switch c := config.(type) {
	case *models.MConfig:
		if c != nil {
			return c.LogFile
		}
	case interface{ GetLogFile() models.MLogFileConfig }:
		return c.GetLogFile()
	}
	return models.MLogFileConfig{}
}

func rotatingFile(fc models.MLogFileConfig) *lumberjack.Logger {
	filesMu.Lock()
	defer filesMu.Unlock()

	if f, ok := files[fc.Path]; ok {
		return f
	}
	f := &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.MaxSizeMB, // 0 means lumberjack's 100MB default
		MaxBackups: fc.MaxBackups,
		MaxAge:     fc.MaxAgeDays,
		Compress:   fc.Compress,
	}
	files[fc.Path] = f
	return f
}

// -----------------------------------------------------------------------------

// CloseFiles closes every rotating log file opened so far.
func CloseFiles() error {
	filesMu.Lock()
	defer filesMu.Unlock()

	var errs []error
	for path, f := range files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(files, path)
	}
	return errors.Join(errs...)
}
