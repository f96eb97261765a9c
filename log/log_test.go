/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package log

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	SetLevel(WarnLevel)
	defer SetLevel(InfoLevel)

	Infof("should not appear")
	require.Empty(t, buf.String())

	Warnf("should appear: %d", 42)
	require.True(t, strings.Contains(buf.String(), "should appear: 42"))
}

func TestErrorNilIsNoop(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	SetLevel(DebugLevel)
	defer SetLevel(InfoLevel)

	Error(nil)
	require.Empty(t, buf.String())

	Error(errors.New("boom"))
	require.True(t, strings.Contains(buf.String(), "boom"))
}
