package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikkigallery/whimbox-launcher/internal/domain"
	"github.com/nikkigallery/whimbox-launcher/internal/infra"
)

const bundleURL = "https://cdn.example.com/scripts/whimbox-scripts.zip"

type scriptsFixture struct {
	dir        string
	downloads  string
	downloader *fakeDownloader
	extractor  *fakeExtractor
	manager    *ScriptManager
}

func newScriptsFixture(t *testing.T) *scriptsFixture {
	t.Helper()
	root := t.TempDir()
	f := &scriptsFixture{
		dir:       filepath.Join(root, "scripts"),
		downloads: filepath.Join(root, "downloads"),
		extractor: &fakeExtractor{files: []string{"daily.py", "events/fishing.py", "README.md"}},
	}
	require.NoError(t, os.MkdirAll(f.downloads, 0755))
	f.downloader = &fakeDownloader{dir: f.downloads, content: "zip"}
	f.manager = NewScriptManager(f.dir, bundleURL, f.downloader, f.extractor, infra.NewFileSystemManager(), nil)
	return f
}

func TestEnsureScripts_DownloadsAndExtracts(t *testing.T) {
	f := newScriptsFixture(t)
	rec := &domain.Recorder{}

	result, err := f.manager.EnsureScripts(context.Background(), rec)
	require.NoError(t, err)

	assert.False(t, result.Skipped)
	assert.Equal(t, 3, result.Extracted)
	assert.Equal(t, f.dir, result.Dir)
	assert.Equal(t, []string{bundleURL}, f.downloader.urls)
	assert.FileExists(t, filepath.Join(f.dir, "events", "fishing.py"))
	assert.NoFileExists(t, filepath.Join(f.downloads, "whimbox-scripts.zip"))

	stages := rec.Stages()
	require.NotEmpty(t, stages)
	assert.Equal(t, domain.StageDownloadProgress, stages[0])
	assert.Equal(t, domain.StageExtractComplete, stages[len(stages)-1])
}

func TestEnsureScripts_SkipsWhenPresent(t *testing.T) {
	f := newScriptsFixture(t)
	writeFile(t, filepath.Join(f.dir, "daily.py"), "print('hi')")

	result, err := f.manager.EnsureScripts(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Empty(t, f.downloader.urls)
	assert.Equal(t, 0, f.extractor.Calls())
}

func TestEnsureScripts_HiddenEntriesDoNotCount(t *testing.T) {
	f := newScriptsFixture(t)
	writeFile(t, filepath.Join(f.dir, ".DS_Store"), "")

	result, err := f.manager.EnsureScripts(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, 1, f.extractor.Calls())
}

func TestEnsureScripts_Failures(t *testing.T) {
	t.Run("download", func(t *testing.T) {
		f := newScriptsFixture(t)
		f.downloader.err = domain.Errorf(domain.KindNetwork, "download", "connection reset")

		_, err := f.manager.EnsureScripts(context.Background(), nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrNetwork))
		assert.Equal(t, 0, f.extractor.Calls())
	})

	t.Run("extract", func(t *testing.T) {
		f := newScriptsFixture(t)
		f.extractor.err = errors.New("zip: not a valid zip file")

		_, err := f.manager.EnsureScripts(context.Background(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a valid zip file")
		assert.NoFileExists(t, filepath.Join(f.downloads, "whimbox-scripts.zip"))
	})
}

func TestListAndClearScripts(t *testing.T) {
	f := newScriptsFixture(t)

	names, err := f.manager.ListScripts()
	require.NoError(t, err)
	assert.Empty(t, names)

	writeFile(t, filepath.Join(f.dir, "weekly.py"), "")
	writeFile(t, filepath.Join(f.dir, "Daily.PY"), "")
	writeFile(t, filepath.Join(f.dir, "notes.txt"), "")

	names, err = f.manager.ListScripts()
	require.NoError(t, err)
	assert.Equal(t, []string{"Daily.PY", "weekly.py"}, names)

	require.NoError(t, f.manager.ClearScripts())
	assert.NoDirExists(t, f.dir)
	assert.NoError(t, f.manager.ClearScripts())
}
