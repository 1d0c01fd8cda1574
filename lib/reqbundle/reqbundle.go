/*
 * OpenParcel
 * Copyright (C) 2024  The OpenParcel Authors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package reqbundle encrypts and decrypts carrier request bundles: raw
// carrier responses captured in the field and mailed in for debugging,
// wrapped in AES-256-CTR under a shared key so they can travel over
// untrusted channels.
package reqbundle

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strings"

	"github.com/gravitational/trace"
)

const (
	// BeginMarker opens the bundle framing in transit.
	BeginMarker = "-----BEGIN OPENPARCEL BUNDLE-----"
	// EndMarker closes the bundle framing in transit.
	EndMarker = "------END OPENPARCEL BUNDLE------"

	// wrapColumn is where the base64 body is broken into lines.
	wrapColumn = 64
)

// Codec encrypts and decrypts bundles under a shared secret. The AES key
// is the SHA-256 digest of the secret.
type Codec struct {
	key [sha256.Size]byte
}

// New creates a codec for the given shared secret.
func New(secret string) (*Codec, error) {
	if secret == "" {
		return nil, trace.BadParameter("missing request bundle key")
	}
	return &Codec{key: sha256.Sum256([]byte(secret))}, nil
}

// Decrypt unwraps a base64 bundle body. The first block of the decoded
// payload is the CTR initial counter, the rest is ciphertext.
func (c *Codec) Decrypt(bundle string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(bundle))
	if err != nil {
		return "", trace.BadParameter("malformed bundle body: %v", err)
	}
	if len(raw) < aes.BlockSize {
		return "", trace.BadParameter("bundle is too short to carry an IV")
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", trace.Wrap(err)
	}
	plaintext := make([]byte, len(raw)-aes.BlockSize)
	cipher.NewCTR(block, raw[:aes.BlockSize]).XORKeyStream(plaintext, raw[aes.BlockSize:])
	return string(plaintext), nil
}

// Encrypt wraps a payload into a base64 bundle body with a fresh random
// counter block.
func (c *Codec) Encrypt(payload string) (string, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", trace.Wrap(err)
	}
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", trace.Wrap(err)
	}
	out := make([]byte, aes.BlockSize+len(payload))
	copy(out, iv)
	cipher.NewCTR(block, iv).XORKeyStream(out[aes.BlockSize:], []byte(payload))
	return base64.StdEncoding.EncodeToString(out), nil
}

// ReadBundle scans r for a framed bundle and returns its base64 body,
// still encrypted. Everything outside the markers is ignored, so bundles
// can be read straight out of emails or chat logs.
func ReadBundle(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	reading := false
	var body strings.Builder
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case line == BeginMarker:
			reading = true
		case line == EndMarker:
			if !reading {
				return "", trace.BadParameter("bundle end marker before begin marker")
			}
			return body.String(), nil
		case reading:
			body.WriteString(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", trace.Wrap(err)
	}
	return "", trace.NotFound("no bundle found in input")
}

// Format frames an encrypted bundle body for transit.
func Format(body string) string {
	var out strings.Builder
	out.WriteString(BeginMarker)
	out.WriteByte('\n')
	for len(body) > wrapColumn {
		out.WriteString(body[:wrapColumn])
		out.WriteByte('\n')
		body = body[wrapColumn:]
	}
	out.WriteString(body)
	out.WriteByte('\n')
	out.WriteString(EndMarker)
	out.WriteByte('\n')
	return out.String()
}
