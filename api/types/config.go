// Copyright 2024 polaris-contrib
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package types

import (
	"github.com/gravitational/trace"
)

// ConfigFile is a versioned configuration file fetched from the config
// cluster. Two releases with equal (namespace, group, name, version) carry
// byte-identical content.
type ConfigFile struct {
	// Namespace scopes the file.
	Namespace string
	// Group is the file group.
	Group string
	// Name is the file name inside the group.
	Name string
	// Version increases monotonically with each publish.
	Version uint64
	// Content is the opaque file body.
	Content string
	// Labels are release labels.
	Labels map[string]string
	// EncryptAlgo names the encryption algorithm when the file is encrypted.
	EncryptAlgo string
	// EncryptKey is the data key used by the config filter to decrypt
	// Content.
	EncryptKey string
	// Md5 is the server digest of Content.
	Md5 string
}

// CheckAndSetDefaults validates the file coordinates.
func (f *ConfigFile) CheckAndSetDefaults() error {
	if f.Namespace == "" {
		return trace.Wrap(NewPolarisError(ErrCodeAPIInvalidArgument, "missing config file namespace"))
	}
	if f.Group == "" {
		return trace.Wrap(NewPolarisError(ErrCodeAPIInvalidArgument, "missing config file group"))
	}
	if f.Name == "" {
		return trace.Wrap(NewPolarisError(ErrCodeAPIInvalidArgument, "missing config file name"))
	}
	return nil
}

// EventKey returns the cache subscription key of the file.
func (f *ConfigFile) EventKey() ResourceEventKey {
	return ConfigFileEventKey(f.Namespace, f.Group, f.Name)
}

// ConfigFileRelease identifies a published configuration version.
type ConfigFileRelease struct {
	Namespace   string
	Group       string
	FileName    string
	ReleaseName string
	Md5         string
}

// ConfigGroup is a listing of the files under one (namespace, group).
type ConfigGroup struct {
	Namespace string
	Group     string
	Revision  string
	Files     []*ConfigFile
}

// ConfigFileChangeEvent is delivered to config watchers on every publish
// observed by the cache.
type ConfigFileChangeEvent struct {
	// File is the file after the change.
	File *ConfigFile
	// Deleted is set when the release was removed.
	Deleted bool
}
