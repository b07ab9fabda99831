package status

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "PARSER_FAILURE", ParserFailure.String())
	assert.Equal(t, "END_OF_STREAM", EndOfStream.String())
	assert.Equal(t, "CODE(99)", Code(99).String())
}

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	err := Newf(FileFailure, "cannot open %q", "out.mp4")
	assert.Equal(t, "FILE_FAILURE: cannot open \"out.mp4\"", err.Error())

	wrapped := Wrap(HTTPFailure, errors.New("connection refused"), "key request")
	assert.Equal(t, "HTTP_FAILURE: key request: connection refused", wrapped.Error())
}

func TestIsAndCodeOf(t *testing.T) {
	t.Parallel()

	err := New(Cancelled, "demuxer stopped")
	require.True(t, errors.Is(err, ErrCancelled))
	assert.Equal(t, Cancelled, CodeOf(err))
	assert.Equal(t, OK, CodeOf(nil))
	assert.Equal(t, Unknown, CodeOf(errors.New("plain")))

	// Wrapping through fmt keeps the code visible.
	deep := fmt.Errorf("muxer: %w", err)
	assert.True(t, IsCode(deep, Cancelled))
}

func TestConvert(t *testing.T) {
	t.Parallel()

	// Foreign errors pick up the new code.
	err := Convert(errors.New("short read"), ParserFailure, "bad box")
	assert.Equal(t, ParserFailure, CodeOf(err))

	// Existing Status codes are preserved across layers.
	err = Convert(New(FileFailure, "disk full"), ParserFailure, "bad box")
	assert.Equal(t, FileFailure, CodeOf(err))

	assert.NoError(t, Convert(nil, Unknown, ""))
}
