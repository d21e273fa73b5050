package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"weft", "help"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "workflow execution core")
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"weft", "frobnicate"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "unknown command")
}

func TestExportRequiresFlags(t *testing.T) {
	var out, errOut bytes.Buffer
	code := runExportCmd(nil, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.True(t, strings.Contains(errOut.String(), "-tenant"))
}

func TestRecoverRequiresTenant(t *testing.T) {
	var out, errOut bytes.Buffer
	code := runRecoverCmd(nil, &out, &errOut)
	assert.Equal(t, 2, code)
}

func TestHealthUnreachableServer(t *testing.T) {
	var out, errOut bytes.Buffer
	code := runHealthCmd([]string{"-addr", "127.0.0.1:1"}, &out, &errOut)
	assert.Equal(t, 1, code)
}
