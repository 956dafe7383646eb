// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
)

// ReadyToken is printed by the fake application once it has started.
const ReadyToken = "WHIMBOX_READY"

// fakeInterpreter stands in for the embedded interpreter. It understands
// just enough of the real command line to drive the launcher:
//
//	--version                          prints the interpreter version
//	-m pip --version                   succeeds once the installer is bootstrapped
//	-m pip install --force-reinstall W copies wheel W into bin/ as its entry point
//	<dir>/get-pip.py                   bootstraps the installer, needs site enabled
const fakeInterpreter = `#!/bin/sh
root="$(cd "$(dirname "$0")/.." && pwd)"
case "$1" in
--version)
	echo "Python 3.12.8"
	exit 0
	;;
-m)
	[ "$2" = "pip" ] || exit 2
	if [ ! -f "$root/.pip-installed" ]; then
		echo "No module named pip" >&2
		exit 1
	fi
	if [ "$3" = "--version" ]; then
		echo "pip 24.0 from $root"
		exit 0
	fi
	wheel="$5"
	if grep -q BROKEN "$wheel"; then
		echo "ERROR: $wheel is not a valid wheel" >&2
		exit 1
	fi
	name="$(basename "$wheel" | cut -d- -f1)"
	echo "Processing $(basename "$wheel")"
	cp "$wheel" "$root/bin/$name"
	chmod 755 "$root/bin/$name"
	echo "Successfully installed $name"
	exit 0
	;;
*get-pip.py)
	if ! grep -q "^import site" "$root/python312._pth"; then
		echo "site-packages disabled" >&2
		exit 1
	fi
	touch "$root/.pip-installed"
	echo "Successfully installed pip-24.0"
	exit 0
	;;
esac
exit 2
`

// appScript is the body of a fake wheel. Installing it makes it the
// application's entry point.
const appScript = `#!/bin/sh
dir="$(dirname "$0")"
if [ "$1" = "init" ]; then
	touch "$dir/../.initialized"
	exit 0
fi
echo "loading"
echo "%s"
sleep 1
exit %d
`

// FakeRuntime lays out the bundled resources of an application directory.
type FakeRuntime struct {
	AppDir string
}

// NewFakeRuntime creates a fake runtime generator rooted at appDir.
func NewFakeRuntime(appDir string) *FakeRuntime {
	return &FakeRuntime{AppDir: appDir}
}

// CreateBundle writes the runtime archive and the installer bootstrap script
// to the given locations.
func (f *FakeRuntime) CreateBundle(archivePath, bootstrapPath string) error {
	if err := WriteZip(archivePath, map[string]ZipEntry{
		"bin/python3":    {Body: fakeInterpreter, Mode: 0755},
		"python312._pth": {Body: "python312.zip\n.\n#import site\n", Mode: 0644},
		"LICENSE.txt":    {Body: "PSF", Mode: 0644},
	}); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(bootstrapPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(bootstrapPath, []byte("# bootstrap\n"), 0644)
}

// WriteWheel writes a fake artifact named name into dir and returns its path.
// The installed application prints the ready token and exits with exitCode.
func (f *FakeRuntime) WriteWheel(dir, name string, exitCode int) (string, error) {
	return writeArtifact(dir, name, WheelBody(exitCode))
}

// WriteBrokenWheel writes an artifact the fake installer rejects.
func (f *FakeRuntime) WriteBrokenWheel(dir, name string) (string, error) {
	return writeArtifact(dir, name, "BROKEN\n")
}

// WheelBody returns the content of a fake artifact.
func WheelBody(exitCode int) string {
	return fmt.Sprintf(appScript, ReadyToken, exitCode)
}

// Initialized reports whether the init hook of an installed package ran.
func (f *FakeRuntime) Initialized(runtimeDir string) bool {
	_, err := os.Stat(filepath.Join(runtimeDir, ".initialized"))
	return err == nil
}

func writeArtifact(dir, name, body string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		return "", err
	}
	return path, nil
}

// ZipEntry is one file of a generated archive.
type ZipEntry struct {
	Body string
	Mode os.FileMode
}

// WriteZip creates a zip archive at path holding entries.
func WriteZip(path string, entries map[string]ZipEntry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for name, e := range entries {
		hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
		hdr.SetMode(e.Mode)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte(e.Body)); err != nil {
			return err
		}
	}
	return zw.Close()
}
