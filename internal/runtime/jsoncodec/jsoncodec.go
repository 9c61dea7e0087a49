package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

// Options tunes how message bodies are serialized.
type Options struct {
	EscapeHTML       bool
	SortMapKeys      bool
	NoNullSliceOrMap bool
	UseNumber        bool
}

// Codec encodes and decodes JSON bodies with a frozen sonic configuration.
type Codec struct {
	api sonic.API
}

// New freezes a sonic configuration for the supplied options.
func New(opts Options) Codec {
	cfg := sonic.Config{
		EscapeHTML:       opts.EscapeHTML,
		SortMapKeys:      opts.SortMapKeys,
		NoNullSliceOrMap: opts.NoNullSliceOrMap,
		UseNumber:        opts.UseNumber,
		CompactMarshaler: true,
		ValidateString:   true,
	}
	return Codec{api: cfg.Froze()}
}

// Default returns a codec backed by sonic.ConfigStd.
func Default() Codec {
	return Codec{api: defaultConfig}
}

func (c Codec) Marshal(v any) ([]byte, error) {
	return c.apiOrDefault().Marshal(v)
}

func (c Codec) Unmarshal(data []byte, v any) error {
	return c.apiOrDefault().Unmarshal(data, v)
}

func (c Codec) apiOrDefault() sonic.API {
	if c.api == nil {
		return defaultConfig
	}
	return c.api
}

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}
