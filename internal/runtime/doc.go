/*
Package runtime provides the consumption runtime behind hutch.

# Architecture Overview

A Hutch owns one default AMQP connection for topology and publishing, and
one connection per handler queue for consuming. Every handler queue is bound
to a durable topic exchange; delayed messages go through a second topic
exchange and a fixed set of delay queues ("buckets") that dead-letter back
into the main exchange once the message expires.

# Package Structure

## Core Runtime (hutch.go)

The Hutch struct is the central orchestrator that wires together:
  - Default connection and channel
  - Topology declaration
  - Publisher
  - Consumer pools, one per registered handler
  - HTTP servers for metrics and the queue API

## Handler Registration (registration*.go)

  - registration.go: raw handlers, queue naming and defaults
  - registration_json.go: typed JSON handlers
  - registration_proto.go: typed Protocol Buffer handlers

## Consumption (pool.go, consumer.go, retry.go)

A ConsumerPool runs Concurrency consumer units for a queue. Each unit has its
own channel and consumer tag, applies the queue's threshold, runs the handler
with panic recovery and settles the delivery: ack on success, retry through a
delay bucket or the main exchange on failure, ack once retries run out.

## Topology (topology.go)

Declares the main and schedule exchanges, the delay bucket queues and every
handler queue with its binding.

## Publishing (publisher.go)

Fire-and-forget publishing of raw, text, JSON and protobuf bodies, with or
without a delay.

## Stats & Monitoring (models.go, metrics.go, hooks.go, webui.go)

  - Per-queue counters, latency percentiles and throughput
  - Prometheus collectors under the "hutch" namespace
  - Delivery lifecycle hooks
  - GET /api/queues

# Sub-packages

  - config/: configuration, defaults and loading
  - delay/: delay gradient and bucket naming
  - errors/: sentinel errors
  - handlers/: message and handler types, typed decoders
  - ids/: ULID message ids and consumer tags
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
  - metadata/: AMQP header helpers
  - threshold/: rate thresholds, local and Redis backed
  - transport/: the AMQP connection seam
*/
package runtime
