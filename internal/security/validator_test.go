package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/dragonpipe/internal/errs"
)

func TestSizeAtLimitIsAccepted(t *testing.T) {
	v := New(1, []string{"image"}, false)
	limit := int64(1) * 1024 * 1024
	err := v.ValidateSize("cid", limit)
	require.NoError(t, err)
}

func TestSizeOverLimitIsRejected(t *testing.T) {
	v := New(1, []string{"image"}, false)
	limit := int64(1)*1024*1024 + 1
	err := v.ValidateSize("cid", limit)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.CategoryValidation, e.Category)
}

func TestDisallowedClassIsRejected(t *testing.T) {
	v := New(50, []string{"image", "pdf"}, false)
	err := v.ValidateClass("cid", "video")
	require.Error(t, err)
}

func TestAllowedClassPasses(t *testing.T) {
	v := New(50, []string{"image", "pdf"}, false)
	require.NoError(t, v.ValidateClass("cid", "pdf"))
}

func TestHeaderValidationDisabledIsNoOp(t *testing.T) {
	v := New(50, []string{"image"}, false)
	require.NoError(t, v.ValidateHeader("cid", "image", []byte{0x00, 0x00, 0x00}))
}

func TestHeaderValidationRejectsMismatchedSignature(t *testing.T) {
	v := New(50, []string{"image"}, true)
	err := v.ValidateHeader("cid", "image", []byte{0x00, 0x00, 0x00})
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.CategorySecurity, e.Category)
}

func TestHeaderValidationAcceptsMatchingJPEG(t *testing.T) {
	v := New(50, []string{"image"}, true)
	require.NoError(t, v.ValidateHeader("cid", "image", []byte{0xFF, 0xD8, 0xFF, 0xE0}))
}
