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

// Package config is the node agent's CLI surface: flags bound with
// github.com/spf13/cobra, validated with github.com/go-playground/validator/v10,
// plus the on-disk data-dir layout spec.md §6 fixes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	fileutils "github.com/soenkeliebau/stackable-krustlet/pkg/utils/file"
)

const (
	volumesSubdir = "volumes"
	logsSubdir    = "logs"

	// registrarSocketName is the one registration socket the node agent
	// itself listens on, matching how a real kubelet's device-plugin
	// manager hosts a single well-known socket that plugins dial into.
	registrarSocketName = "kubelet.sock"

	// runtimeMetadataFile records this process's startup metadata under
	// data-dir, mirroring the teacher's RuntimeManager.createPaths.
	runtimeMetadataFile = "krustlet.yaml"
)

// Config is the node agent's full CLI surface, spec.md §6's "CLI surface
// (delegated, but shape fixed)" flag list plus the data-dir/plugins-dir
// layout roots those flags anchor.
type Config struct {
	NodeName   string `yaml:"nodeName" validate:"required"`
	Hostname   string `yaml:"hostname"`
	NodeIP     string `yaml:"nodeIP" validate:"omitempty,ip"`
	Port       int32  `yaml:"port" validate:"required,gt=0,lt=65536"`
	CertFile   string `yaml:"certFile" validate:"required,file"`
	KeyFile    string `yaml:"keyFile" validate:"required,file"`
	DataDir    string `yaml:"dataDir" validate:"required"`
	PluginsDir string `yaml:"pluginsDir" validate:"required"`
	MaxPods    int64  `yaml:"maxPods" validate:"required,gt=0"`

	// Kubeconfig is not one of spec.md's named flags; it is sourced from
	// the KUBECONFIG environment variable per spec.md §6 Environment and
	// carried here so every downstream consumer reads it off Config
	// rather than re-reading the environment itself.
	Kubeconfig string `yaml:"-"`
}

// RuntimeMetadata is what gets written to data-dir/krustlet.yaml at
// startup, the same "record what this process was started with and
// when" shape as the teacher's config.RuntimeConfig.
type RuntimeMetadata struct {
	Config       *Config   `yaml:"config"`
	CreationDate time.Time `yaml:"creationDate"`
	Pid          int       `yaml:"pid"`
}

// BindFlags registers every flag spec.md §6 names on cmd's flag set and
// returns the Config those flags populate once cmd.Execute parses args.
func BindFlags(cmd *cobra.Command) *Config {
	cfg := &Config{}

	flags := cmd.Flags()
	flags.StringVar(&cfg.NodeName, "node-name", "", "name this node agent registers as")
	flags.StringVar(&cfg.Hostname, "hostname", "", "hostname advertised on the node object")
	flags.StringVar(&cfg.NodeIP, "node-ip", "", "internal IP address advertised on the node object")
	flags.Int32Var(&cfg.Port, "port", 10250, "port the HTTP callback server listens on")
	flags.StringVar(&cfg.CertFile, "cert-file", "", "TLS certificate file for the HTTP callback server")
	flags.StringVar(&cfg.KeyFile, "key-file", "", "TLS private key file for the HTTP callback server")
	flags.StringVar(&cfg.DataDir, "data-dir", "", "directory holding volumes/, logs/ and the runtime metadata file")
	flags.StringVar(&cfg.PluginsDir, "plugins-dir", "", "directory hosting the plugin registration socket")
	flags.Int64Var(&cfg.MaxPods, "max-pods", 110, "maximum number of pods this node advertises capacity for")

	cfg.Kubeconfig = os.Getenv("KUBECONFIG")

	return cfg
}

// Validate runs struct-tag validation over cfg, failing fast on missing or
// malformed flags before the supervisor ever starts - a Misconfiguration
// per spec.md §7, fatal at startup.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// VolumeDir returns the directory a pod's named volume is backed by,
// spec.md §6's `volumes/<pod-uid>/<volume-name>/...`.
func (c *Config) VolumeDir(podUID, volumeName string) string {
	return filepath.Join(c.DataDir, volumesSubdir, podUID, volumeName)
}

// ContainerLogPath returns the tempfile-backed log path spec.md §6 fixes
// as `logs/<pod-uid>/<container-name>.log`.
func (c *Config) ContainerLogPath(podUID, containerName string) string {
	return filepath.Join(c.DataDir, logsSubdir, podUID, containerName+".log")
}

// RegistrarSocketPath returns the path pkg/registrar should listen on,
// under --plugins-dir.
func (c *Config) RegistrarSocketPath() string {
	return filepath.Join(c.PluginsDir, registrarSocketName)
}

// EnsureLayout creates data-dir's volumes/ and logs/ subdirectories and
// plugins-dir itself, then writes the runtime metadata file, mirroring
// the teacher's RuntimeManager.createDirs + createPaths sequence.
func (c *Config) EnsureLayout() error {
	dirs := []string{
		c.DataDir,
		filepath.Join(c.DataDir, volumesSubdir),
		filepath.Join(c.DataDir, logsSubdir),
		c.PluginsDir,
	}
	for _, dir := range dirs {
		if err := fileutils.EnsureDir(dir); err != nil {
			return fmt.Errorf("ensure directory %s: %w", dir, err)
		}
	}

	return c.writeRuntimeMetadata()
}

func (c *Config) writeRuntimeMetadata() error {
	metadata := RuntimeMetadata{
		Config:       c,
		CreationDate: time.Now(),
		Pid:          os.Getpid(),
	}

	out, err := yaml.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal runtime metadata: %w", err)
	}

	path := filepath.Join(c.DataDir, runtimeMetadataFile)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write runtime metadata %s: %w", path, err)
	}
	return nil
}
