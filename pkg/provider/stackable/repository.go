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

package stackable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/go-github/v53/github"

	semverutils "github.com/soenkeliebau/stackable-krustlet/pkg/utils/semver"
)

// Repository is a named source of installable packages. The reference
// provider never talks to an image registry; every package it can run must
// come from one of the repositories it was configured with.
type Repository interface {
	Name() string
	// ProvidesPackage reports whether this repository has a release
	// matching pkg's exact version.
	ProvidesPackage(ctx context.Context, pkg Package) (bool, error)
	// DownloadPackage fetches pkg's archive into destDir and returns its
	// path.
	DownloadPackage(ctx context.Context, pkg Package, destDir string) (string, error)
}

// FindRepository returns the first repository in repos that provides pkg,
// or (nil, nil) if none do. A repository that errors while answering
// ProvidesPackage is treated as not providing the package rather than
// aborting the search - a single unreachable repository should not block
// installation from another one that has the release.
func FindRepository(ctx context.Context, repos []Repository, pkg Package) (Repository, error) {
	for _, repo := range repos {
		ok, err := repo.ProvidesPackage(ctx, pkg)
		if err != nil {
			continue
		}
		if ok {
			return repo, nil
		}
	}
	return nil, nil
}

// GitHubRepository serves packages as GitHub release assets: a release
// tagged pkg.Version carrying an asset literally named pkg.FileName().
type GitHubRepository struct {
	name   string
	org    string
	repo   string
	client *github.Client
}

// NewGitHubRepository builds a repository backed by org/repo's releases.
func NewGitHubRepository(name, org, repo string) *GitHubRepository {
	return &GitHubRepository{name: name, org: org, repo: repo, client: github.NewClient(nil)}
}

func (r *GitHubRepository) Name() string { return r.name }

// LatestVersion returns org/repo's most recent release tag, the same
// client.Repositories.GetLatestRelease call the teacher's artifact manager
// uses to locate the newest greptime binary.
func (r *GitHubRepository) LatestVersion(ctx context.Context) (string, error) {
	release, _, err := r.client.Repositories.GetLatestRelease(ctx, r.org, r.repo)
	if err != nil {
		return "", fmt.Errorf("stackable: get latest release for %s/%s: %w", r.org, r.repo, err)
	}
	return release.GetTagName(), nil
}

// IsNewerThan reports whether candidate is a newer semantic version than
// installed, per pkg/utils/semver.Compare.
func IsNewerThan(candidate, installed string) (bool, error) {
	return semverutils.Compare(candidate, installed)
}

func (r *GitHubRepository) ProvidesPackage(ctx context.Context, pkg Package) (bool, error) {
	release, _, err := r.client.Repositories.GetReleaseByTag(ctx, r.org, r.repo, pkg.Version)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("stackable: check release %s/%s@%s: %w", r.org, r.repo, pkg.Version, err)
	}
	return findAsset(release, pkg.FileName()) != nil, nil
}

func (r *GitHubRepository) DownloadPackage(ctx context.Context, pkg Package, destDir string) (string, error) {
	release, _, err := r.client.Repositories.GetReleaseByTag(ctx, r.org, r.repo, pkg.Version)
	if err != nil {
		return "", fmt.Errorf("stackable: get release %s/%s@%s: %w", r.org, r.repo, pkg.Version, err)
	}

	asset := findAsset(release, pkg.FileName())
	if asset == nil {
		return "", fmt.Errorf("stackable: release %s/%s@%s has no asset named %s", r.org, r.repo, pkg.Version, pkg.FileName())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.GetBrowserDownloadURL(), nil)
	if err != nil {
		return "", fmt.Errorf("stackable: build download request for %s: %w", pkg, err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("stackable: download %s: %w", pkg, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stackable: download %s: unexpected status %d", pkg, resp.StatusCode)
	}

	destPath := filepath.Join(destDir, pkg.FileName())
	out, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("stackable: create %s: %w", destPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return "", fmt.Errorf("stackable: write %s: %w", destPath, err)
	}

	return destPath, nil
}

func findAsset(release *github.RepositoryRelease, name string) *github.ReleaseAsset {
	for i := range release.Assets {
		if release.Assets[i].GetName() == name {
			return &release.Assets[i]
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var ghErr *github.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound
}
