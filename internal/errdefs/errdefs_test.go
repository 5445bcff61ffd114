package errdefs

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindAndCode(t *testing.T) {
	err := HTTP(DownloadHTTP, "download tools", 404)
	assert.Equal(t, DownloadHTTP, KindOf(err))
	assert.Equal(t, "DOWNLOAD_HTTP_404", Code(err))
	assert.Contains(t, err.Error(), "DOWNLOAD_HTTP_404")

	wrapped := fmt.Errorf("install: %w", err)
	assert.True(t, Is(wrapped, DownloadHTTP))
	assert.False(t, Is(wrapped, DownloadIO))
}

func TestWrapKeepsCause(t *testing.T) {
	assert.Nil(t, Wrap(DownloadIO, "write", nil))

	err := Wrap(FSNotFound, "read status", fs.ErrNotExist)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.Equal(t, "FS_NOT_FOUND", Code(err))

	outer := Wrap(DownloadIO, "download", Wrap(DownloadCancelled, "copy", errors.New("stop")))
	assert.Equal(t, DownloadIO, KindOf(outer))
	assert.True(t, Is(outer, DownloadCancelled))
}

func TestUnknown(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.Equal(t, "UNKNOWN", Code(nil))
}
