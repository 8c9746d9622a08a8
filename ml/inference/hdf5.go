// Copyright 2025 The SATNet Authors. SPDX-License-Identifier: Apache-2.0

package inference

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/hdf5"
)

// HDF5File writes float32 arrays as datasets of an HDF5 file.
type HDF5File struct {
	path string
	file *hdf5.File
}

var _ ArrayWriter = (*HDF5File)(nil)

// CreateHDF5 creates (or truncates) the HDF5 file at path, creating its directory if needed.
func CreateHDF5(path string) (*HDF5File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create directory for %q", path)
		}
	}
	f, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create HDF5 file %q", path)
	}
	return &HDF5File{path: path, file: f}, nil
}

// Path of the file.
func (h *HDF5File) Path() string { return h.path }

// WriteArray writes values as a new dataset with the given dimensions.
func (h *HDF5File) WriteArray(name string, dims []int, values []float32) error {
	size := 1
	hdims := make([]uint, len(dims))
	for ii, dim := range dims {
		size *= dim
		hdims[ii] = uint(dim)
	}
	if size != len(values) {
		return errors.Errorf("array %q with dimensions %v requires %d values, got %d", name, dims, size, len(values))
	}
	space, err := hdf5.CreateSimpleDataspace(hdims, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to create dataspace %v for %q in %q", dims, name, h.path)
	}
	defer func() { _ = space.Close() }()
	dset, err := h.file.CreateDataset(name, hdf5.T_NATIVE_FLOAT, space)
	if err != nil {
		return errors.Wrapf(err, "failed to create dataset %q in %q", name, h.path)
	}
	if err = dset.Write(&values); err != nil {
		_ = dset.Close()
		return errors.Wrapf(err, "failed to write dataset %q in %q", name, h.path)
	}
	if err = dset.Close(); err != nil {
		return errors.Wrapf(err, "failed to close dataset %q in %q", name, h.path)
	}
	return nil
}

// Close the file.
func (h *HDF5File) Close() error {
	if err := h.file.Close(); err != nil {
		return errors.Wrapf(err, "failed to close HDF5 file %q", h.path)
	}
	return nil
}

// ReadHDF5Array reads a float32 dataset from an HDF5 file, returning its dimensions and values.
func ReadHDF5Array(path, name string) (dims []int, values []float32, err error) {
	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open HDF5 file %q", path)
	}
	defer func() { _ = f.Close() }()
	dset, err := f.OpenDataset(name)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open dataset %q in %q", name, path)
	}
	defer func() { _ = dset.Close() }()
	space := dset.Space()
	defer func() { _ = space.Close() }()
	hdims, _, err := space.SimpleExtentDims()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read dimensions of %q in %q", name, path)
	}
	size := 1
	dims = make([]int, len(hdims))
	for ii, dim := range hdims {
		dims[ii] = int(dim)
		size *= int(dim)
	}
	values = make([]float32, size)
	if err = dset.Read(&values); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read dataset %q in %q", name, path)
	}
	return dims, values, nil
}
