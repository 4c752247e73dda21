// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"fmt"
	"os"
	"strings"

	"github.com/awnumar/memguard"
)

// Credential holds the backend API key sealed in a memguard Enclave.
//
// # Description
//
// The enclave protects the key at rest. Use hands fn a Go string copied
// out of the locked buffer, so the plaintext also lives on the ordinary
// heap for as long as fn's consumer keeps it. OpenAIBackend builds a
// short-lived go-openai client per request that holds that copy until the
// request finishes and the garbage collector reclaims it; memguard cannot
// wipe it. A nil *Credential is valid and means "no credential bound".
//
// # Thread Safety
//
// Safe for concurrent use. Each Use opens its own buffer.
type Credential struct {
	enclave *memguard.Enclave
}

// NewCredential seals secret. An empty (after trimming) secret returns nil.
func NewCredential(secret string) *Credential {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	// NewEnclave wipes the slice it is given.
	return &Credential{enclave: memguard.NewEnclave([]byte(secret))}
}

// CredentialFromSecretFile reads a container secret file such as
// /run/secrets/dashscope_api_key. A missing file returns nil, nil.
func CredentialFromSecretFile(path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read secret file %s: %w", path, err)
	}
	defer memguard.WipeBytes(data)
	return NewCredential(string(data)), nil
}

// Present reports whether a credential is bound.
func (c *Credential) Present() bool {
	return c != nil && c.enclave != nil
}

// Use opens the enclave and passes a heap copy of the key to fn. The locked
// buffer is destroyed when fn returns; the string is not.
func (c *Credential) Use(fn func(key string) error) error {
	if !c.Present() {
		return &ConfigurationError{Reason: "api key not set", Err: ErrUnconfigured}
	}
	buf, err := c.enclave.Open()
	if err != nil {
		return &ConfigurationError{Reason: "open credential enclave", Err: err}
	}
	defer buf.Destroy()
	return fn(string(buf.Bytes()))
}
