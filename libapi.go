package hutch

import (
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/hutch/internal/runtime"
	configpkg "github.com/drblury/hutch/internal/runtime/config"
	"github.com/drblury/hutch/internal/runtime/delay"
	errspkg "github.com/drblury/hutch/internal/runtime/errors"
	handlerpkg "github.com/drblury/hutch/internal/runtime/handlers"
	idspkg "github.com/drblury/hutch/internal/runtime/ids"
	jsoncodec "github.com/drblury/hutch/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/hutch/internal/runtime/logging"
	metadatapkg "github.com/drblury/hutch/internal/runtime/metadata"
	"github.com/drblury/hutch/internal/runtime/threshold"
	transportpkg "github.com/drblury/hutch/internal/runtime/transport"
)

type (
	Hutch         = runtimepkg.Hutch
	Config        = configpkg.Config
	Serialization = configpkg.Serialization
	LoadOption    = configpkg.LoadOption
	Dependencies  = runtimepkg.Dependencies
	Publisher     = runtimepkg.Publisher

	HandlerRegistration                       = runtimepkg.HandlerRegistration
	JSONHandlerRegistration[T any]            = runtimepkg.JSONHandlerRegistration[T]
	ProtoHandlerRegistration[T proto.Message] = runtimepkg.ProtoHandlerRegistration[T]
	HandlerRef                                = runtimepkg.HandlerRef

	Handler                              = handlerpkg.Handler
	HandlerFunc                          = handlerpkg.HandlerFunc
	Message                              = handlerpkg.Message
	ConsumeContext                       = handlerpkg.ConsumeContext
	Threshold                            = handlerpkg.Threshold
	RetryDelayFunc                       = handlerpkg.RetryDelayFunc
	Descriptor                           = handlerpkg.Descriptor
	JSONMessageContext[T any]            = handlerpkg.JSONMessageContext[T]
	JSONMessageHandler[T any]            = handlerpkg.JSONMessageHandler[T]
	ProtoMessageContext[T proto.Message] = handlerpkg.ProtoMessageContext[T]
	ProtoMessageHandler[T proto.Message] = handlerpkg.ProtoMessageHandler[T]

	Connection = transportpkg.Connection
	Channel    = transportpkg.Channel
	Dialer     = transportpkg.Dialer

	ThresholdLimit = threshold.Limit

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	QueueInfo  = runtimepkg.QueueInfo
	QueueStats = runtimepkg.QueueStats
	UnitState  = runtimepkg.UnitState

	// Delivery lifecycle hooks
	DeliveryContext = runtimepkg.DeliveryContext
	DeliveryHooks   = runtimepkg.DeliveryHooks

	Metrics = runtimepkg.Metrics
)

var (
	NewHutch        = runtimepkg.NewHutch
	RegisterHandler = runtimepkg.RegisterHandler
	ValidateConfig  = configpkg.ValidateConfig

	LoadConfig      = configpkg.Load
	WithConfigFile  = configpkg.WithConfigFile
	WithConfigPaths = configpkg.WithConfigPaths
	WithEnvPrefix   = configpkg.WithEnvPrefix
	WithDotEnv      = configpkg.WithDotEnv

	ExponentialRetryDelay = runtimepkg.ExponentialRetryDelay
	FixedRetryDelay       = runtimepkg.FixedRetryDelay

	// Delivery lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewMetrics = runtimepkg.NewMetrics

	Dial = transportpkg.Dial

	ResolveBucket = delay.ResolveBucket

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrHutchRequired               = errspkg.ErrHutchRequired
	ErrConfigRequired              = errspkg.ErrConfigRequired
	ErrLoggerRequired              = errspkg.ErrLoggerRequired
	ErrHandlerRequired             = errspkg.ErrHandlerRequired
	ErrHandlerNameRequired         = errspkg.ErrHandlerNameRequired
	ErrDuplicateQueue              = errspkg.ErrDuplicateQueue
	ErrAlreadyStarted              = errspkg.ErrAlreadyStarted
	ErrNotStarted                  = errspkg.ErrNotStarted
	ErrRoutingKeyRequired          = errspkg.ErrRoutingKeyRequired
	ErrEventPayloadRequired        = errspkg.ErrEventPayloadRequired
	ErrConsumeMessageTypeRequired  = errspkg.ErrConsumeMessageTypeRequired
	ErrConsumeMessagePointerNeeded = errspkg.ErrConsumeMessagePointerNeeded
	ErrInvalidGradient             = errspkg.ErrInvalidGradient
	ErrMalformedPayload            = errspkg.ErrMalformedPayload
	ErrInvalidThresholdLimit       = threshold.ErrInvalidLimit
	ErrRedisClientRequired         = threshold.ErrRedisClientRequired

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	QueueName  = handlerpkg.QueueName
	CreateULID = idspkg.CreateULID

	RetryCount    = metadatapkg.RetryCount
	CorrelationID = metadatapkg.CorrelationID
)

// Header names set by the runtime.
const (
	HeaderRetryCount    = metadatapkg.HeaderRetryCount
	HeaderCorrelationID = metadatapkg.HeaderCorrelationID
)

// Library defaults, applied by Config.ApplyDefaults.
const (
	DefaultExchange         = configpkg.DefaultExchange
	DefaultScheduleExchange = configpkg.DefaultScheduleExchange
	DefaultDelayQueuePrefix = configpkg.DefaultDelayQueuePrefix
	DefaultDelayQueueTTL    = configpkg.DefaultDelayQueueTTL
	DefaultPrefetch         = runtimepkg.DefaultPrefetch
	DefaultConcurrency      = runtimepkg.DefaultConcurrency
	DefaultMaxRetry         = runtimepkg.DefaultMaxRetry

	ContentTypeJSON = runtimepkg.ContentTypeJSON
	ContentTypeText = runtimepkg.ContentTypeText
	ContentEncoding = runtimepkg.ContentEncoding
)

// Unit states reported by Hutch.Queues.
const (
	UnitCreated    = runtimepkg.UnitCreated
	UnitSubscribed = runtimepkg.UnitSubscribed
	UnitDelivering = runtimepkg.UnitDelivering
	UnitIdle       = runtimepkg.UnitIdle
	UnitCancelled  = runtimepkg.UnitCancelled
)

func RegisterJSONHandler[T any](h *Hutch, reg JSONHandlerRegistration[T]) (*HandlerRef, error) {
	return runtimepkg.RegisterJSONHandler(h, reg)
}

func RegisterProtoHandler[T proto.Message](h *Hutch, reg ProtoHandlerRegistration[T]) (*HandlerRef, error) {
	return runtimepkg.RegisterProtoHandler(h, reg)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}

// DefaultDelayGradient returns a copy of the bucket durations used when
// Config.DelayGradient is empty.
func DefaultDelayGradient() []time.Duration {
	return append([]time.Duration(nil), delay.DefaultGradient...)
}

// NewRateThreshold limits each queue inside this process to limit.
func NewRateThreshold(limit ThresholdLimit) (Threshold, error) {
	t, err := threshold.NewRate(limit)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// NewRedisThreshold shares the limit across every process using client.
// Keys are prefix followed by the queue name; an empty prefix uses
// "hutch:threshold:".
func NewRedisThreshold(client redis.Scripter, prefix string, limit ThresholdLimit) (Threshold, error) {
	t, err := threshold.NewRedis(client, prefix, limit)
	if err != nil {
		return nil, err
	}
	return t, nil
}
