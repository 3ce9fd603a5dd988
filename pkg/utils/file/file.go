// Copyright 2023 Greptime Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package file provides the directory and tarball helpers shared by the
// node agent's data-dir layout (pkg/config) and the reference package
// provider's install step (pkg/provider/stackable).
package file

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"
)

// EnsureDir ensures the directory exists.
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

func DeleteDirIfExists(dir string) (err error) {
	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func IsFileExists(filepath string) (bool, error) {
	info, err := os.Stat(filepath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.IsDir() {
		return false, fmt.Errorf("'%s' is directory, not file", filepath)
	}
	return true, nil
}

// CopyFile copies the file from src to dst.
func CopyFile(src, dst string) error {
	r, err := os.Open(src)
	if err != nil {
		return err
	}
	defer r.Close()

	w, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer w.Close()

	if _, err := io.Copy(w, r); err != nil {
		return err
	}

	return w.Sync()
}

const (
	TarGzExtension = ".tar.gz"
	TgzExtension   = ".tgz"
)

// Untar uncompresses a gzip-compressed tarball into dst. Packages fetched by
// the stackable reference provider are always distributed as .tar.gz/.tgz
// archives, so unlike the teacher's Uncompress this has no zip branch.
func Untar(file, dst string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	stream, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}

	tarReader := tar.NewReader(stream)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeReg:
			filePath := path.Join(dst, header.Name)
			if err := os.MkdirAll(path.Dir(filePath), 0755); err != nil {
				return err
			}
			outFile, err := os.Create(filePath)
			if err != nil {
				return err
			}
			if _, err := io.Copy(outFile, tarReader); err != nil {
				return err
			}
			if err := os.Chmod(filePath, os.FileMode(header.Mode)); err != nil {
				return err
			}
			if err := outFile.Close(); err != nil {
				return err
			}
		case tar.TypeDir:
			if err := os.Mkdir(path.Join(dst, header.Name), 0755); err != nil && !os.IsExist(err) {
				return err
			}
		default:
			continue
		}
	}

	return nil
}
