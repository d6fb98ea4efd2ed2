package linker

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestEmitterFormat checks the line protocol and the emitted history.
func TestEmitterFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	e := NewEmitter(&buf, "cargo")
	require.NoError(t, e.Emit(LinkLib("deepspeech"), LinkSearch("/out")))

	require.Equal(t, "cargo:rustc-link-lib=deepspeech\ncargo:rustc-link-search=/out\n", buf.String())
	require.Equal(t, []Directive{LinkLib("deepspeech"), LinkSearch("/out")}, e.Emitted())
}

// TestEmitterRejectsLineBreaks ensures a value cannot inject a second directive.
func TestEmitterRejectsLineBreaks(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	e := NewEmitter(&buf, "cargo")
	require.Error(t, e.Emit(LinkSearch("/out\ncargo:rustc-link-lib=evil")))
	require.Empty(t, buf.String())
	require.Empty(t, e.Emitted())
}
