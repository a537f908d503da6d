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

package jwt

import (
	"crypto/rsa"
	"os"
	"time"

	"github.com/golang-jwt/jwt"
)

type JWT struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

type Claims struct {
	*jwt.StandardClaims
	Payload interface{}
}

type Options struct {
	Expire time.Duration `json:"expire" description:"token expire time"`
	Cert   string        `json:"cert" description:"rsa cert file"`
	Key    string        `json:"key" description:"rsa key file"`
}

func DefaultOptions() *Options {
	return &Options{
		Expire: 24 * time.Hour,
		Cert:   "certs/jwt/tls.crt",
		Key:    "certs/jwt/tls.key",
	}
}

func (opts *Options) ToJWT() (*JWT, error) {
	private, err := os.ReadFile(opts.Key)
	if err != nil {
		return nil, err
	}
	public, err := os.ReadFile(opts.Cert)
	if err != nil {
		return nil, err
	}
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(private)
	if err != nil {
		return nil, err
	}
	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(public)
	if err != nil {
		return nil, err
	}
	return &JWT{privateKey: privateKey, publicKey: publicKey}, nil
}

// NewFromKeys is for tests and embedded setups that already hold key material.
func NewFromKeys(private *rsa.PrivateKey, public *rsa.PublicKey) *JWT {
	return &JWT{privateKey: private, publicKey: public}
}

func (t *JWT) GenerateToken(payload interface{}, sub string, expire time.Duration) (token string, expirets int64, err error) {
	tk := jwt.New(jwt.GetSigningMethod("RS256"))
	now := time.Now()
	expirets = now.Add(expire).Unix()
	tk.Claims = wrapClaims(payload, sub, now, expirets)
	token, err = tk.SignedString(t.privateKey)
	return token, expirets, err
}

func (t *JWT) ParseToken(token string) (*Claims, error) {
	claims := Claims{}
	_, err := jwt.ParseWithClaims(token, &claims, func(token *jwt.Token) (interface{}, error) {
		return t.publicKey, nil
	})
	if err != nil {
		return nil, err
	}
	if err := claims.Valid(); err != nil {
		return nil, err
	}
	return &claims, err
}

func wrapClaims(v interface{}, sub string, now time.Time, expirets int64) *Claims {
	return &Claims{
		Payload: v,
		StandardClaims: &jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: expirets,
			Subject:   sub,
		},
	}
}
