package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mbox-to-eml/model"
)

var exported = []model.File{
	{Name: "orders_0001_No_Subject.eml", Data: []byte("first\n"), Container: "orders", Index: 1},
	{Name: "orders_0002_Hello.eml", Data: []byte("second\n"), Container: "orders", Index: 2},
	{Name: "orders_0003_Bye.eml", Data: []byte("third\n"), Container: "orders", Index: 3},
}

func writeManifest(t *testing.T, files []model.File) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sub", "manifest.jsonl")
	w, err := Create(path)
	require.NoError(t, err)
	for _, f := range files {
		require.NoError(t, w.Add(f))
	}
	assert.Equal(t, len(files), w.Count())
	require.NoError(t, w.Close())
	return path
}

func TestCreateAndLoad(t *testing.T) {
	path := writeManifest(t, exported)

	records, err := Load(path)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, Record{
		Name:      "orders_0002_Hello.eml",
		Container: "orders",
		Index:     2,
		Size:      7,
		SHA256:    Checksum([]byte("second\n")),
	}, records[1])
}

func TestCreate_EmptyPath(t *testing.T) {
	_, err := Create(" ")
	assert.Error(t, err)
}

func TestLoad_SkipsBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("\n{\"name\":\"a.eml\",\"index\":1}\n\n"), 0o644))

	records, err := Load(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a.eml", records[0].Name)
}

func TestLoad_BadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"name\":\"a.eml\"}\nnot json\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestOrder(t *testing.T) {
	records, err := Load(writeManifest(t, exported))
	require.NoError(t, err)

	shuffled := []model.File{
		{Name: "in/orders_0003_Bye.eml", Data: []byte("third\n")},
		{Name: "orders_0001_No_Subject.eml", Data: []byte("first\n")},
		{Name: "orders_0002_Hello.eml", Data: []byte("second\n")},
	}

	ordered, err := Order(records, shuffled)
	require.NoError(t, err)
	require.Len(t, ordered, 3)
	assert.Equal(t, "first\n", string(ordered[0].Data))
	assert.Equal(t, "second\n", string(ordered[1].Data))
	assert.Equal(t, "third\n", string(ordered[2].Data))
}

func TestOrder_Errors(t *testing.T) {
	records := []Record{NewRecord(exported[0]), NewRecord(exported[1])}

	_, err := Order(records, []model.File{exported[0]})
	assert.True(t, errors.Is(err, os.ErrNotExist), "got %v", err)

	tampered := exported[1]
	tampered.Data = []byte("changed\n")
	_, err = Order(records, []model.File{exported[0], tampered})
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	_, err = Order(records, exported)
	assert.ErrorIs(t, err, ErrMissingEntry)
}

func TestOrder_DuplicateBaseName(t *testing.T) {
	records := []Record{{Name: "a.eml"}}
	files := []model.File{
		{Name: filepath.Join("x", "a.eml"), Data: []byte("one\n")},
		{Name: filepath.Join("y", "a.eml"), Data: []byte("two\n")},
	}

	ordered, err := Order(records, files)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateEntry)
	assert.Nil(t, ordered)
	assert.Contains(t, err.Error(), filepath.Join("y", "a.eml"))
}
