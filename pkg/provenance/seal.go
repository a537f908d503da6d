// Copyright 2024 The reprun.io Authors
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

package provenance

import (
	"context"
	"fmt"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// Seal persists the final document, writes a detached armored signature next
// to it and requests a trusted timestamp over the signature. The document and
// the signature survive a timestamp failure, whatever was recorded stays on
// disk.
func (r *Recorder) Seal(ctx context.Context, doc *Document, docPath string) (string, string, error) {
	if err := doc.Save(docPath); err != nil {
		return "", "", err
	}
	sigPath := SidecarPath(docPath, ".sig")
	if err := r.signDetached(docPath, sigPath); err != nil {
		return "", "", fmt.Errorf("sign provenance document: %w", err)
	}
	if r.opts.TSAURL == "" {
		return sigPath, "", nil
	}
	tsrPath := SidecarPath(docPath, ".tsr")
	if err := r.requestTimestamp(ctx, sigPath, tsrPath); err != nil {
		return sigPath, "", fmt.Errorf("request timestamp: %w", err)
	}
	return sigPath, tsrPath, nil
}

func (r *Recorder) signDetached(docPath string, sigPath string) error {
	keyFile, err := os.Open(r.opts.KeyFile)
	if err != nil {
		return err
	}
	defer keyFile.Close()
	entities, err := openpgp.ReadArmoredKeyRing(keyFile)
	if err != nil {
		return err
	}
	if len(entities) == 0 {
		return fmt.Errorf("no key in %s", r.opts.KeyFile)
	}
	signer := entities[0]
	if err := decryptEntity(signer, r.opts.Passphrase); err != nil {
		return err
	}

	message, err := os.Open(docPath)
	if err != nil {
		return err
	}
	defer message.Close()
	out, err := os.Create(sigPath)
	if err != nil {
		return err
	}
	if err := openpgp.ArmoredDetachSign(out, signer, message, nil); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func decryptEntity(entity *openpgp.Entity, passphrase string) error {
	if entity.PrivateKey != nil && entity.PrivateKey.Encrypted {
		if err := entity.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
			return err
		}
	}
	for _, sub := range entity.Subkeys {
		if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
			if err := sub.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
				return err
			}
		}
	}
	return nil
}

// requestTimestamp posts the signature digest to the authority and stores its
// response verbatim, verifiers parse the token themselves.
func (r *Recorder) requestTimestamp(ctx context.Context, sigPath string, tsrPath string) error {
	sum, err := hashFile(sigPath)
	if err != nil {
		return err
	}
	resp, err := r.cli.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/plain").
		SetBody(sum).
		Post(r.opts.TSAURL)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("timestamp authority: %s", resp.Status())
	}
	return os.WriteFile(tsrPath, resp.Body(), 0o644)
}
