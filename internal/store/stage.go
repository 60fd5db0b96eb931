package store

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/corona10/goimagehash"
	"github.com/google/uuid"
)

type UploadParams struct {
	Name        string
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

// Staged is a blob that a third party can fetch by URL until it is unstaged.
type Staged struct {
	URL string
	ID  string
}

// Stager temporarily publishes an image so a remote API can fetch it.
type Stager interface {
	Stage(context.Context, UploadParams) (Staged, error)
	Unstage(context.Context, string) (bool, error)
}

// StagingError carries the provider's own error list for a failed call.
type StagingError struct {
	Provider string
	Op       string
	Errors   []string
	Err      error
}

func (e *StagingError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Provider, e.Op)
	if len(e.Errors) > 0 {
		msg += ": " + strings.Join(e.Errors, "; ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StagingError) Unwrap() error { return e.Err }

// Identify names an image by its content. The 64-bit difference hash is rendered
// as hex and mapped to a UUIDv5 in the DNS namespace, so visually identical images
// always get the same name.
func Identify(img image.Image) (string, error) {
	hash, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return "", err
	}
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(fmt.Sprintf("%016x", hash.GetHash()))).String(), nil
}
