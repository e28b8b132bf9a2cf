// Package packagevalidator implements C3: verifying model-packaging shapes
// without parsing model content. It accepts zip archives only and never
// executes or interprets the ONNX graph: it classifies by the zip's file
// listing, and for ONNX_EXTERNAL only searches the .onnx bytes for the
// .data file's name.
package packagevalidator

import (
	"archive/zip"
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/edgegate/edgegate/internal/apierr"
)

// PackageKind is the set of accepted model-package shapes (spec §4.3).
type PackageKind string

const (
	ONNXSingle   PackageKind = "ONNX_SINGLE"
	ONNXExternal PackageKind = "ONNX_EXTERNAL"
	AIMETQuant   PackageKind = "AIMET_QUANT"
)

// Result is the outcome of validating a package: its kind plus any
// non-fatal warnings (e.g. an ONNX_EXTERNAL whose .onnx doesn't appear to
// reference its .data file by name).
type Result struct {
	Kind     PackageKind
	Warnings []string
}

type entry struct {
	name string // base name relative to the archive/dir root
	dir  string // containing directory name, for AIMET_QUANT's .aimet check
}

// Validate inspects a zip archive's bytes (the universal shape a model
// artifact upload arrives in) and classifies it per spec §4.3's strict rules.
func Validate(zipBytes []byte) (Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		return Result{}, apierr.Wrap(apierr.InvalidModelPackage, "not a valid archive", err)
	}

	var entries []entry
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		entries = append(entries, entry{
			name: filepath.Base(f.Name),
			dir:  filepath.Dir(f.Name),
		})
	}
	if len(entries) == 0 {
		return Result{}, apierr.New(apierr.InvalidModelPackage, "archive contains no files")
	}

	return classify(entries, func(name string) ([]byte, error) {
		for _, f := range zr.File {
			if filepath.Base(f.Name) == name {
				rc, err := f.Open()
				if err != nil {
					return nil, err
				}
				defer rc.Close()
				buf := new(bytes.Buffer)
				if _, err := buf.ReadFrom(rc); err != nil {
					return nil, err
				}
				return buf.Bytes(), nil
			}
		}
		return nil, fmt.Errorf("not found: %s", name)
	})
}

func classify(entries []entry, readFile func(name string) ([]byte, error)) (Result, error) {
	var onnx, data, encodings, aimetDir []string
	var others int
	for _, e := range entries {
		lower := strings.ToLower(e.name)
		switch {
		case strings.HasSuffix(lower, ".onnx"):
			onnx = append(onnx, e.name)
		case strings.HasSuffix(lower, ".data"):
			data = append(data, e.name)
		case strings.HasSuffix(lower, ".encodings"):
			encodings = append(encodings, e.name)
		default:
			others++
		}
		if strings.Contains(strings.ToLower(e.dir), ".aimet") {
			aimetDir = append(aimetDir, e.dir)
		}
	}

	switch {
	case len(aimetDir) > 0:
		if len(onnx) != 1 || len(encodings) != 1 || len(data) > 1 {
			return Result{}, apierr.New(apierr.InvalidModelPackage,
				"AIMET_QUANT requires exactly one .onnx and one .encodings, optionally one .data")
		}
		return Result{Kind: AIMETQuant}, nil

	case len(onnx) == 1 && len(data) == 1 && others == 0 && len(encodings) == 0:
		res := Result{Kind: ONNXExternal}
		onnxBytes, err := readFile(onnx[0])
		if err == nil && !bytes.Contains(onnxBytes, []byte(data[0])) {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("could not confirm %s references external data file %s by name", onnx[0], data[0]))
		}
		return res, nil

	case len(onnx) == 1 && len(data) == 0 && len(encodings) == 0:
		if others > 0 {
			return Result{}, apierr.New(apierr.InvalidModelPackage, "ONNX_SINGLE must contain exactly one .onnx file and nothing else")
		}
		return Result{Kind: ONNXSingle}, nil

	default:
		return Result{}, apierr.New(apierr.InvalidModelPackage,
			fmt.Sprintf("unrecognized package shape: %d onnx, %d data, %d encodings, %d other files", len(onnx), len(data), len(encodings), others))
	}
}
