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

package system

import (
	"context"
	"crypto/tls"
	"net/http"

	"github.com/go-logr/logr"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

type Options struct {
	Listen string `json:"listen,omitempty" description:"listen address"`
}

func NewDefaultOptions() *Options {
	return &Options{
		Listen: ":8020",
	}
}

// ListenAndServeContext serves handler on listen until ctx is done. Plain
// listeners get h2c so http2 works without TLS.
func ListenAndServeContext(ctx context.Context, listen string, tlsConfig *tls.Config, handler http.Handler) error {
	log := logr.FromContextOrDiscard(ctx)
	s := http.Server{Handler: handler, Addr: listen, TLSConfig: tlsConfig}
	go func() {
		<-ctx.Done()
		log.Info("shutting down server", "addr", listen)
		s.Close()
	}()
	if s.TLSConfig != nil {
		http2.ConfigureServer(&s, &http2.Server{})
		log.Info("starting https server", "addr", listen)
		return s.ListenAndServeTLS("", "")
	}
	s.Handler = h2c.NewHandler(s.Handler, &http2.Server{})
	log.Info("starting http server", "addr", listen)
	return s.ListenAndServe()
}
