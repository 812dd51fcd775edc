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

// Package configfilter post-processes fetched configuration files through
// an ordered filter chain. The built-in crypto filter decrypts AES-GCM
// encrypted releases using the release data key.
package configfilter

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"

	"github.com/gravitational/trace"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/plugin"
)

// Filter transforms one fetched configuration file in place.
type Filter interface {
	plugin.Plugin
	// DoFilter rewrites the file. Errors abort the fetch.
	DoFilter(file *types.ConfigFile) error
}

// Chain applies filters in order.
type Chain struct {
	filters []Filter
}

// NewChain builds a filter chain.
func NewChain(filters ...Filter) *Chain {
	return &Chain{filters: filters}
}

// Apply runs every filter over the file.
func (c *Chain) Apply(file *types.ConfigFile) error {
	for _, f := range c.filters {
		if err := f.DoFilter(file); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// CryptoFilterName is the plugin registry name of the crypto filter.
const CryptoFilterName = "crypto"

// CryptoFilter decrypts encrypted releases. The server marks them with
// EncryptAlgo and ships the data key in EncryptKey; content and key are
// base64.
type CryptoFilter struct{}

// NewCryptoFilter builds the filter.
func NewCryptoFilter() *CryptoFilter { return &CryptoFilter{} }

// Name implements plugin.Plugin.
func (f *CryptoFilter) Name() string { return CryptoFilterName }

// Type implements plugin.Plugin.
func (f *CryptoFilter) Type() plugin.Type { return plugin.TypeConfigFilter }

// Destroy implements plugin.Plugin.
func (f *CryptoFilter) Destroy() error { return nil }

// DoFilter implements Filter. Plaintext files pass through untouched.
func (f *CryptoFilter) DoFilter(file *types.ConfigFile) error {
	if file.EncryptAlgo == "" {
		return nil
	}
	if file.EncryptKey == "" {
		return trace.Wrap(types.NewPolarisError(types.ErrCodeCrypto,
			"encrypted file %s/%s/%s has no data key", file.Namespace, file.Group, file.Name))
	}
	plaintext, err := decryptAESGCM(file.EncryptKey, file.Content)
	if err != nil {
		return trace.Wrap(types.NewPolarisError(types.ErrCodeCrypto,
			"decrypt %s/%s/%s: %v", file.Namespace, file.Group, file.Name, err))
	}
	file.Content = plaintext
	file.EncryptAlgo = ""
	file.EncryptKey = ""
	return nil
}

// decryptAESGCM opens base64(nonce || ciphertext) with the base64 key.
func decryptAESGCM(encodedKey, encodedContent string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return "", trace.Wrap(err)
	}
	sealed, err := base64.StdEncoding.DecodeString(encodedContent)
	if err != nil {
		return "", trace.Wrap(err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", trace.Wrap(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if len(sealed) < gcm.NonceSize() {
		return "", trace.BadParameter("ciphertext shorter than nonce")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(plaintext), nil
}
