// Package budget truncates text to a token budget using the target model's
// tokenizer.
package budget

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultMaxTokens is the input budget applied to uploaded source files.
const DefaultMaxTokens = 10000

// DefaultModel names the tokenizer used for counting when none is configured.
const DefaultModel = "gpt-4"

// Encoder converts between text and token ids.
type Encoder interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

// TokenizationError is returned when no tokenizer exists for the requested
// model or encoding. It is fatal: callers must not fall back to untruncated text.
type TokenizationError struct {
	Model    string
	Encoding string
	Err      error
}

func (e *TokenizationError) Error() string {
	name := e.Model
	kind := "model"
	if e.Encoding != "" {
		name = e.Encoding
		kind = "encoding"
	}
	return fmt.Sprintf("tokenizer for %s %q: %v", kind, name, e.Err)
}

func (e *TokenizationError) Unwrap() error { return e.Err }

// tiktokenEncoder adapts tiktoken to Encoder. Special-token text is encoded as
// ordinary text so that user code containing "<|endoftext|>" is counted, not
// rejected.
type tiktokenEncoder struct {
	tk *tiktoken.Tiktoken
}

func (e tiktokenEncoder) Encode(text string) []int {
	return e.tk.Encode(text, nil, nil)
}

func (e tiktokenEncoder) Decode(tokens []int) string {
	return e.tk.Decode(tokens)
}

// ForModel returns the tiktoken encoder for a model name such as "gpt-4".
func ForModel(model string) (Encoder, error) {
	tk, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, &TokenizationError{Model: model, Err: err}
	}
	return tiktokenEncoder{tk: tk}, nil
}

// ForEncoding returns the tiktoken encoder for an encoding name such as
// "cl100k_base".
func ForEncoding(name string) (Encoder, error) {
	tk, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, &TokenizationError{Encoding: name, Err: err}
	}
	return tiktokenEncoder{tk: tk}, nil
}

// Truncate returns text unchanged when it fits in max tokens, and otherwise the
// longest decodable prefix of at most max tokens. The result always re-encodes
// to no more than max tokens, so truncation is idempotent.
func Truncate(enc Encoder, text string, max int) string {
	if text == "" {
		return ""
	}
	if max <= 0 {
		return ""
	}

	tokens := enc.Encode(text)
	if len(tokens) <= max {
		return text
	}

	// A prefix can split a multi-byte rune or re-merge into more tokens than
	// it was cut from; shrink until it fits.
	for n := max; n > 0; n-- {
		out := trimPartialRune(enc.Decode(tokens[:n]))
		if len(enc.Encode(out)) <= max {
			return out
		}
	}
	return ""
}

// trimPartialRune drops a multi-byte rune cut short at the end of s. Invalid
// bytes elsewhere are kept so the result stays a prefix of the input.
func trimPartialRune(s string) string {
	for i := len(s) - 1; i >= 0 && i >= len(s)-utf8.UTFMax; i-- {
		if utf8.RuneStart(s[i]) {
			if !utf8.FullRuneInString(s[i:]) {
				return s[:i]
			}
			return s
		}
	}
	return s
}

// Budgeter truncates text to a fixed token budget.
type Budgeter struct {
	enc Encoder
	max int
}

// New creates a Budgeter.
func New(enc Encoder, max int) *Budgeter {
	return &Budgeter{enc: enc, max: max}
}

// Max returns the token budget.
func (b *Budgeter) Max() int {
	return b.max
}

// Truncate applies the budget to text.
func (b *Budgeter) Truncate(text string) string {
	return Truncate(b.enc, text, b.max)
}

// Count returns the number of tokens in text.
func (b *Budgeter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(b.enc.Encode(text))
}

// Source yields a Budgeter on demand.
type Source func() (*Budgeter, error)

// Fixed returns a Source that always yields b.
func Fixed(b *Budgeter) Source {
	return func() (*Budgeter, error) { return b, nil }
}

// Lazy returns a Source that resolves the tokenizer on first use and caches
// it. A non-empty encoding takes precedence over model. Failures are not
// cached, so a later call retries the lookup.
func Lazy(model, encoding string, max int) Source {
	var (
		mu     sync.Mutex
		cached *Budgeter
	)
	return func() (*Budgeter, error) {
		mu.Lock()
		defer mu.Unlock()
		if cached != nil {
			return cached, nil
		}
		var enc Encoder
		var err error
		if encoding != "" {
			enc, err = ForEncoding(encoding)
		} else {
			enc, err = ForModel(model)
		}
		if err != nil {
			return nil, err
		}
		cached = New(enc, max)
		return cached, nil
	}
}
