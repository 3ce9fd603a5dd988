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

// Package stackable is the reference Provider: it runs a pod's single
// container as a natively-installed product release rather than inside a
// container runtime, downloading a named product/version package from one
// of a fixed set of repositories, unpacking it under --data-dir, rendering
// its ConfigMap-backed volumes to disk and supervising it as a plain OS
// process. It exists to exercise every C7 contract point with a complete,
// non-trivial implementation.
package stackable

import (
	"fmt"
	"strings"
)

// ociPkgPrefix is the scheme a pod's single container image reference is
// expected to carry: "oci://pkg/<name>:<version>" - there is no real image
// registry behind these names, only this provider's configured
// repositories, but the pod spec still needs something that type-checks as
// an image reference.
const ociPkgPrefix = "oci://pkg/"

// Package identifies a product release this provider can install, parsed
// from a pod's single container image reference
// ("oci://pkg/<name>:<version>", or bare "name:version" with the prefix
// already stripped - no registry host and no digest, since there is no
// image store standing behind these names).
type Package struct {
	Product string
	Version string
}

// String renders the package the same way its source image reference read.
func (p Package) String() string {
	return fmt.Sprintf("%s:%s", p.Product, p.Version)
}

// DirectoryName is the on-disk directory a package is unpacked into, and
// the name repositories look packages up by.
func (p Package) DirectoryName() string {
	return fmt.Sprintf("%s-%s", p.Product, p.Version)
}

// FileName is the archive name a repository is expected to serve.
func (p Package) FileName() string {
	return p.DirectoryName() + ".tar.gz"
}

// ParseImageReference parses a container's image field into a Package. The
// "oci://pkg/" prefix is optional on input - accepted and stripped when
// present, so a bare "name:version" image still resolves - but never
// accepted anywhere past the prefix: a "/" remaining in either half means
// the reference carries a registry host this provider has no use for.
func ParseImageReference(ref string) (Package, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Package{}, fmt.Errorf("stackable: empty image reference")
	}
	ref = strings.TrimPrefix(ref, ociPkgPrefix)

	idx := strings.LastIndex(ref, ":")
	if idx <= 0 || idx == len(ref)-1 {
		return Package{}, fmt.Errorf("stackable: image reference %q must be of the form oci://pkg/<name>:<version>", ref)
	}

	product, version := ref[:idx], ref[idx+1:]
	if strings.Contains(product, "/") || strings.Contains(version, "/") {
		return Package{}, fmt.Errorf("stackable: image reference %q must be of the form oci://pkg/<name>:<version>", ref)
	}

	return Package{Product: product, Version: version}, nil
}
