// Package localize stages remote task inputs (http, https, s3) into a local
// staging area before execution.
package localize

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/aws/smithy-go"

	"github.com/me/gowdl/pkg/value"
)

// Stager downloads one location to a local destination. Directories are
// staged as a tree rooted at dest. Stagers make a single attempt; retries are
// the Localizer's job.
type Stager interface {
	StageIn(ctx context.Context, kind value.Kind, location, dest string) error
}

// Composite routes staging to a handler per URI scheme.
type Composite struct {
	handlers map[string]Stager
}

// NewComposite creates a Composite with scheme handlers.
func NewComposite(handlers map[string]Stager) *Composite {
	return &Composite{handlers: handlers}
}

// Register adds or replaces the handler of scheme.
func (c *Composite) Register(scheme string, s Stager) {
	c.handlers[scheme] = s
}

func (c *Composite) StageIn(ctx context.Context, kind value.Kind, location, dest string) error {
	scheme, _ := value.ParseLocation(location)
	if h, ok := c.handlers[scheme]; ok {
		return h.StageIn(ctx, kind, location, dest)
	}
	return permanent(fmt.Errorf("no stager registered for scheme %q", scheme))
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

// IsPermanent reports whether a staging error is not worth retrying: missing
// objects, denied access and other client errors.
func IsPermanent(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return true
	}
	var he *httpError
	if errors.As(err, &he) {
		return he.StatusCode >= 400 && he.StatusCode < 500 &&
			he.StatusCode != 408 && he.StatusCode != 429
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound", "AccessDenied", "Forbidden",
			"InvalidAccessKeyId", "SignatureDoesNotMatch":
			return true
		}
	}
	return false
}
