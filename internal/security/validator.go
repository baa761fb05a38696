// Package security implements the input-validation concern of spec §4.9
// step 1 (received) and §6's security block: file size limit, allowed MIME
// class, and (if enabled) a minimal header signature check.
//
// Narrowed from the teacher's internal/security package — which covers
// nonce replay prevention, sybil detection and challenge/response — down to
// the one concern this pipeline's Dispatcher needs. The validate-then-
// return-typed-error shape is grounded on attack_mitigation.go's
// NonceStore.ValidateNonce / RateLimiter.CheckLimit (a guard method that
// returns a descriptive error instead of a bool).
package security

import (
	"bytes"

	"github.com/ocx/dragonpipe/internal/errs"
)

// magicSignature is the minimal set of header bytes this pipeline
// recognizes per allowed MIME class, used only when HeaderValidate is on.
var magicSignature = map[string][][]byte{
	"image": {
		{0xFF, 0xD8, 0xFF},             // JPEG
		{0x89, 0x50, 0x4E, 0x47},       // PNG
		{0x47, 0x49, 0x46, 0x38},       // GIF8
	},
	"pdf": {
		{0x25, 0x50, 0x44, 0x46}, // %PDF
	},
	"video": {
		{0x00, 0x00, 0x00}, // loose: most ISO-BMFF containers start with a box size; class-level check only
	},
}

// Validator enforces spec §4.9 step 1 / §6's security block.
type Validator struct {
	maxFileBytes       int64
	allowedMimeClasses map[string]bool
	headerValidate     bool
}

// New constructs a Validator. maxFileMB, allowedClasses and headerValidate
// come from config.SecurityConfig.
func New(maxFileMB int, allowedClasses []string, headerValidate bool) *Validator {
	allowed := make(map[string]bool, len(allowedClasses))
	for _, c := range allowedClasses {
		allowed[c] = true
	}
	return &Validator{
		maxFileBytes:       int64(maxFileMB) * 1024 * 1024,
		allowedMimeClasses: allowed,
		headerValidate:     headerValidate,
	}
}

// ValidateSize rejects files over the configured limit. A file at exactly
// the limit is accepted (spec §8 boundary behavior); limit+1 is rejected.
func (v *Validator) ValidateSize(correlationID string, sizeBytes int64) error {
	if sizeBytes > v.maxFileBytes {
		return errs.Validation(correlationID, "file exceeds maximum allowed size")
	}
	return nil
}

// ValidateClass rejects any MIME class not in the configured allow-list.
func (v *Validator) ValidateClass(correlationID, mimeClass string) error {
	if !v.allowedMimeClasses[mimeClass] {
		return errs.Validation(correlationID, "mime class not permitted: "+mimeClass)
	}
	return nil
}

// ValidateHeader performs a minimal magic-byte check for mimeClass when
// header validation is enabled (config.Default turns it on). When it is
// disabled, or mimeClass has no known signature, this is a no-op success.
func (v *Validator) ValidateHeader(correlationID, mimeClass string, head []byte) error {
	if !v.headerValidate {
		return nil
	}
	sigs, ok := magicSignature[mimeClass]
	if !ok {
		return nil
	}
	for _, sig := range sigs {
		if bytes.HasPrefix(head, sig) {
			return nil
		}
	}
	return errs.Security(correlationID, "file header does not match declared mime class: "+mimeClass)
}

// Validate runs ValidateSize, ValidateClass and (if enabled) ValidateHeader
// in that order, returning the first failure.
func (v *Validator) Validate(correlationID, mimeClass string, sizeBytes int64, head []byte) error {
	if err := v.ValidateSize(correlationID, sizeBytes); err != nil {
		return err
	}
	if err := v.ValidateClass(correlationID, mimeClass); err != nil {
		return err
	}
	return v.ValidateHeader(correlationID, mimeClass, head)
}
