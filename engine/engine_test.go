package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	iface "AsyncDetServer/interface"
)

func TestReadNamesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "names.txt")
	require.NoError(t, os.WriteFile(path, []byte("person\r\ncar\n\nbicycle\n"), 0o644))

	names, err := ReadNamesFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"person", "car", "bicycle"}, names)
}

func TestReadNamesFile_Missing(t *testing.T) {
	_, err := ReadNamesFile(filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
}

func TestLoadModel_Validation(t *testing.T) {
	names := NamesConf{IsFile: false, Data: []string{"person"}}

	t.Run("wrong extension", func(t *testing.T) {
		d := New()
		err := d.LoadModel("model/weights.param", names, 0.5, 0.4, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), ".onnx")
	})

	t.Run("bad confidence", func(t *testing.T) {
		d := New()
		err := d.LoadModel("model/weights.onnx", names, 1.5, 0.4, false)
		assert.Error(t, err)
	})

	t.Run("bad iou", func(t *testing.T) {
		d := New()
		err := d.LoadModel("model/weights.onnx", names, 0.5, -0.1, false)
		assert.Error(t, err)
	})

	t.Run("bad names payload", func(t *testing.T) {
		d := New()
		err := d.LoadModel("model/weights.onnx", NamesConf{IsFile: false, Data: 42}, 0.5, 0.4, false)
		assert.Error(t, err)
	})

	t.Run("missing names file", func(t *testing.T) {
		d := New()
		err := d.LoadModel("model/weights.onnx",
			NamesConf{IsFile: true, Data: "does/not/exist.txt"}, 0.5, 0.4, false)
		assert.Error(t, err)
	})
}

func TestDetect_Unloaded(t *testing.T) {
	d := New()
	assert.False(t, d.IsLoaded())

	_, err := d.Detect(iface.ImageData{Data: []byte{0}, Width: 1, Height: 1, Channels: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not loaded")

	_, err = d.DetectBatch([]iface.ImageData{
		{Data: []byte{0}, Width: 1, Height: 1, Channels: 3},
	})
	assert.Error(t, err)
}

func TestClassName(t *testing.T) {
	d := New()
	d.Names = []string{"person", "car"}
	assert.Equal(t, "person", d.ClassName(0))
	assert.Equal(t, "car", d.ClassName(1))
	assert.Equal(t, "class_5", d.ClassName(5))
}

func TestClose_ResetsState(t *testing.T) {
	d := New()
	d.Close()
	assert.Equal(t, Registered, d.State)
	assert.Equal(t, "", d.ModelPath)
	assert.False(t, d.IsLoaded())
}
