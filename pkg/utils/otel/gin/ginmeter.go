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

package otelgin

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
)

// Server HTTP metrics.
const (
	RequestCount  = "http.server.request_count" // Incoming request count total
	ServerLatency = "http.server.duration"      // Incoming end to end duration, milliseconds
)

const instrumentationName = "go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

func MeterMiddleware(service string) gin.HandlerFunc {
	meter := otel.GetMeterProvider().Meter(instrumentationName)

	requestCounter, err := meter.Int64Counter(RequestCount)
	handleErr(err)
	serverLatencyMeasure, err := meter.Float64Histogram(ServerLatency)
	handleErr(err)

	return func(c *gin.Context) {
		requestStartTime := time.Now()
		attributes := semconv.HTTPServerMetricAttributesFromHTTPRequest(service, c.Request)
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		c.Next()

		// float division keeps sub-millisecond requests from rounding to zero
		elapsedTime := float64(time.Since(requestStartTime)) / float64(time.Millisecond)
		requestCounter.Add(ctx, 1, metric.WithAttributes(attributes...))
		serverLatencyMeasure.Record(ctx, elapsedTime, metric.WithAttributes(attributes...))
	}
}

func handleErr(err error) {
	if err != nil {
		otel.Handle(err)
	}
}
