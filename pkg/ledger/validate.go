package ledger

import (
	"regexp"

	"github.com/google/uuid"

	"github.com/xase-labs/xase-core/pkg/canonicalize"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

var idempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,64}$`)

// ValidIdempotencyKey accepts a UUID v4 or 16-64 chars of [A-Za-z0-9_-].
func ValidIdempotencyKey(key string) bool {
	if u, err := uuid.Parse(key); err == nil && u.Version() == 4 && len(key) == 36 {
		return true
	}
	return idempotencyKeyPattern.MatchString(key)
}

// ValidateDraft checks a draft before it reaches a store.
func ValidateDraft(d Draft) error {
	const op = "ledger.validate"
	if d.TenantID == "" {
		return xerrors.New(xerrors.CodeInvalidInput, op, "tenant id is required")
	}
	if !canonicalize.IsHexDigest(d.InputHash) {
		return xerrors.New(xerrors.CodeInvalidInput, op, "inputHash must be a lowercase hex sha256 digest")
	}
	if !canonicalize.IsHexDigest(d.OutputHash) {
		return xerrors.New(xerrors.CodeInvalidInput, op, "outputHash must be a lowercase hex sha256 digest")
	}
	if d.ContextHash != nil && !canonicalize.IsHexDigest(*d.ContextHash) {
		return xerrors.New(xerrors.CodeInvalidInput, op, "contextHash must be a lowercase hex sha256 digest")
	}
	if d.IdempotencyKey != nil && !ValidIdempotencyKey(*d.IdempotencyKey) {
		return xerrors.New(xerrors.CodeInvalidInput, op, "idempotency key must be a UUID v4 or 16-64 alphanumeric chars")
	}
	if d.Metadata.Confidence != nil && (*d.Metadata.Confidence < 0 || *d.Metadata.Confidence > 1) {
		return xerrors.New(xerrors.CodeInvalidInput, op, "confidence must be within [0,1]")
	}
	return nil
}
