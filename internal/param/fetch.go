package param

import (
	"context"
	"errors"
	"strings"
)

// SSMPrefix marks a setting whose value lives in the parameter store.
const SSMPrefix = "ssm:"

type Fetcher interface {
	Fetch(context.Context, string) (string, error)
}

// IsReference reports whether value must be resolved through a Fetcher.
func IsReference(value string) bool {
	return strings.HasPrefix(value, SSMPrefix)
}

// Resolve returns value itself, or the parameter it references.
func Resolve(ctx context.Context, f Fetcher, value string) (string, error) {
	if !IsReference(value) {
		return value, nil
	}
	if f == nil {
		return "", errors.New("no parameter store available for " + value)
	}
	return f.Fetch(ctx, strings.TrimPrefix(value, SSMPrefix))
}
