package browser_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagefleet/internal/browser"
	"github.com/JakeFAU/pagefleet/internal/engine/enginetest"
)

const portFile = "extensions/cmd/commandsocket.js"

// fakeFirefox writes an executable that ignores its arguments and idles.
func fakeFirefox(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "firefox")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexec sleep 30\n"), 0o700)) //nolint:gosec // test binary
	return path
}

func template(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, filepath.Dir(portFile)), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, portFile), []byte("var port = 7055;"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".svn"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".svn", "entries"), []byte("x"), 0o600))
	return dir
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	kind, err := browser.ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, browser.Firefox, kind)

	kind, err = browser.ParseKind("chrome")
	require.NoError(t, err)
	assert.Equal(t, browser.Chrome, kind)

	_, err = browser.ParseKind("lynx")
	require.Error(t, err)
}

func TestFirefoxStartAndStop(t *testing.T) {
	t.Parallel()

	backend := enginetest.NewBackend()
	srv := enginetest.Serve(t, backend)
	port := srv.Port()
	root := t.TempDir()

	ctrl := browser.New(browser.Options{
		Kind:        browser.Firefox,
		Binary:      fakeFirefox(t),
		TemplateDir: template(t),
		PortFile:    portFile,
		ProfileRoot: root,
		Wire:        enginetest.FastOptions(0),
	}, port, nil)

	client, err := ctrl.Start(context.Background())
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, port, client.Port())
	assert.True(t, ctrl.Running())
	assert.Equal(t, 1, backend.Resets())

	profile := filepath.Join(root, "ff_"+strconv.Itoa(port))
	data, err := os.ReadFile(filepath.Join(profile, portFile))
	require.NoError(t, err)
	assert.Equal(t, "var port = "+strconv.Itoa(port)+";", string(data))
	assert.NoDirExists(t, filepath.Join(profile, ".svn"))

	require.NoError(t, ctrl.Stop())
	assert.False(t, ctrl.Running())
	assert.NoDirExists(t, profile)
	require.NoError(t, ctrl.Stop())
}

func TestStartFailsWhenEngineNeverAnswers(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	ctrl := browser.New(browser.Options{
		Binary:      fakeFirefox(t),
		TemplateDir: template(t),
		ProfileRoot: root,
		Wire:        enginetest.FastOptions(0),
	}, freePort(t), nil)

	_, err := ctrl.Start(context.Background())
	require.ErrorIs(t, err, browser.ErrStart)
	assert.False(t, ctrl.Running())
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStartFailsWithoutBinary(t *testing.T) {
	t.Parallel()

	ctrl := browser.New(browser.Options{
		Binary:      filepath.Join(t.TempDir(), "missing"),
		TemplateDir: template(t),
		ProfileRoot: t.TempDir(),
		Wire:        enginetest.FastOptions(0),
	}, freePort(t), nil)

	_, err := ctrl.Start(context.Background())
	require.ErrorIs(t, err, browser.ErrStart)
	assert.False(t, ctrl.Running())
}

// --- fakes ---

func freePort(t *testing.T) int {
	t.Helper()
	srv := enginetest.Serve(t, enginetest.NewBackend())
	port := srv.Port()
	require.NoError(t, srv.Close())
	return port
}
