package dnsconf

import (
	"context"
	"fmt"
)

// Chain runs validators in order and returns the first failure.
func Chain(validators ...Validator) Validator {
	return ValidatorFunc(func(ctx context.Context, content []byte) error {
		for _, v := range validators {
			if v == nil {
				continue
			}
			if err := v.Validate(ctx, content); err != nil {
				return err
			}
		}
		return nil
	})
}

// SizeLimit rejects content larger than max bytes. A non-positive max
// disables the check.
func SizeLimit(max int64) Validator {
	return ValidatorFunc(func(_ context.Context, content []byte) error {
		if max > 0 && int64(len(content)) > max {
			return &ValidationError{
				Kind: KindTooLarge,
				Msg:  fmt.Sprintf("configuration is %d bytes, limit is %d", len(content), max),
			}
		}
		return nil
	})
}

// New builds the standard validator: size limit, grammar, and optionally the
// daemon binary's own test mode.
func New(maxBytes int64, binary string, useBinary bool) Validator {
	vs := []Validator{SizeLimit(maxBytes), NewGrammarValidator()}
	if useBinary {
		vs = append(vs, &BinaryValidator{Binary: binary})
	}
	return Chain(vs...)
}
