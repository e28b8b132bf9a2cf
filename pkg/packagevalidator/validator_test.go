package packagevalidator

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestValidateONNXSingle(t *testing.T) {
	z := buildZip(t, map[string]string{"model.onnx": "fake"})
	res, err := Validate(z)
	require.NoError(t, err)
	require.Equal(t, ONNXSingle, res.Kind)
}

func TestValidateONNXExternal(t *testing.T) {
	z := buildZip(t, map[string]string{
		"model.onnx": "references model.data here",
		"model.data": "fake-external-weights",
	})
	res, err := Validate(z)
	require.NoError(t, err)
	require.Equal(t, ONNXExternal, res.Kind)
	require.Empty(t, res.Warnings)
}

func TestValidateONNXExternalWarnsWhenUnreferenced(t *testing.T) {
	z := buildZip(t, map[string]string{
		"model.onnx": "no mention of the data file",
		"weights.data": "fake",
	})
	res, err := Validate(z)
	require.NoError(t, err)
	require.Equal(t, ONNXExternal, res.Kind)
	require.NotEmpty(t, res.Warnings)
}

func TestValidateAIMETQuant(t *testing.T) {
	z := buildZip(t, map[string]string{
		"pkg.aimet/model.onnx":       "fake",
		"pkg.aimet/model.encodings":  "fake",
	})
	res, err := Validate(z)
	require.NoError(t, err)
	require.Equal(t, AIMETQuant, res.Kind)
}

func TestValidateRejectsUnknownShape(t *testing.T) {
	z := buildZip(t, map[string]string{"model.onnx": "a", "model.onnx2": "b", "readme.txt": "c"})
	_, err := Validate(z)
	require.Error(t, err)
}

func TestValidateRejectsEmptyArchive(t *testing.T) {
	z := buildZip(t, map[string]string{})
	_, err := Validate(z)
	require.Error(t, err)
}

func TestValidateRejectsMultipleONNX(t *testing.T) {
	z := buildZip(t, map[string]string{"a.onnx": "x", "b.onnx": "y"})
	_, err := Validate(z)
	require.Error(t, err)
}
