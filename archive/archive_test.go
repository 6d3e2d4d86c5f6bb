package archive

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mbox-to-eml/model"
)

func TestBytesAndRead(t *testing.T) {
	files := []model.File{
		{Name: "orders_0001_No_Subject.eml", Data: []byte("first\n")},
		{Name: "orders_0002_Hello.eml", Data: []byte("second\r\n")},
		{Name: "empty_0001_.eml", Data: nil},
	}

	data, err := Bytes(files)
	require.NoError(t, err)

	got, err := Read(data)
	require.NoError(t, err)
	require.Len(t, got, len(files))
	for i := range files {
		assert.Equal(t, files[i].Name, got[i].Name)
		assert.Equal(t, string(files[i].Data), string(got[i].Data))
	}
}

func TestWrite_UsesDeflate(t *testing.T) {
	data, err := Bytes([]model.File{{Name: "a.eml", Data: bytes.Repeat([]byte("From me\n"), 100)}})
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, zip.Deflate, zr.File[0].Method)
}

func TestWrite_Deterministic(t *testing.T) {
	files := []model.File{{Name: "a.eml", Data: []byte("x")}}
	first, err := Bytes(files)
	require.NoError(t, err)
	second, err := Bytes(files)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestWrite_Duplicate(t *testing.T) {
	_, err := Bytes([]model.File{{Name: "a.eml"}, {Name: "a.eml"}})
	assert.ErrorIs(t, err, ErrDuplicateEntry)
}

func TestRead_SkipsDirectories(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	_, err := zw.Create("export/")
	require.NoError(t, err)
	w, err := zw.Create("export/a.eml")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	files, err := Read(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "export/a.eml", files[0].Name)
	assert.Equal(t, "hello", string(files[0].Data))
}

func TestRead_NotAZip(t *testing.T) {
	_, err := Read([]byte("From a@b\n\nbody\n"))
	assert.Error(t, err)
}

func TestIsMessage(t *testing.T) {
	assert.True(t, IsMessage("a.eml"))
	assert.True(t, IsMessage("dir/B.EML"))
	assert.False(t, IsMessage("dir/.a.eml"))
	assert.False(t, IsMessage("notes.txt"))
}
