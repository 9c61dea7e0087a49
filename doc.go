// Package hutch consumes RabbitMQ queues with typed handlers, delayed
// publishing and bounded retries. Handlers are registered against a Hutch
// before Start; each gets a durable queue named "<app_name>_<handler_name>"
// bound to a topic exchange, a consumer pool with its own connection, and a
// retry policy that republishes failed deliveries through delay buckets.
//
// A minimal setup fills Config (or calls LoadConfig), creates a Hutch with
// NewHutch, registers handlers with RegisterHandler, RegisterJSONHandler or
// RegisterProtoHandler, and calls Run.
//
// # Delays
//
// Delayed messages are published to the schedule exchange with the final
// routing key in the CC header. They wait in the smallest delay queue whose
// bucket is not shorter than the requested delay, then dead-letter into the
// main exchange where the CC key routes them to their handler. Requests
// longer than the largest bucket are clamped to it.
//
// # Retries
//
// A failed delivery is republished with an incremented x-retry-count header,
// through a delay bucket when the handler's RetryDelay asks for one, and the
// original is acknowledged. Once MaxRetry is reached the message is
// acknowledged and dropped; DeliveryHooks.OnRetryExhausted sees it last.
//
// # Thresholds
//
// A Threshold caps how fast a queue takes deliveries. NewRateThreshold limits
// a single process, NewRedisThreshold shares the limit across replicas.
//
// # Observability
//
// Logging goes through ServiceLogger. Prometheus collectors live under the
// "hutch" namespace and are served on /metrics when MetricsEnabled is set.
// Publishes and deliveries are traced with OpenTelemetry, the trace context
// travels in the message headers. GET /api/queues describes every queue when
// WebUIEnabled is set.
package hutch
