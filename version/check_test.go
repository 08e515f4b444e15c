package version_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/get-eventually/go-subscriptions/version"
)

func TestVerify(t *testing.T) {
	assert.NoError(t, version.Verify(version.Any, 42))
	assert.NoError(t, version.Verify(version.CheckExact(3), 3))

	err := version.Verify(version.CheckExact(1), 3)

	var conflict version.ConflictError
	assert.ErrorAs(t, err, &conflict)
	assert.Equal(t, version.ConflictError{Expected: 1, Actual: 3}, conflict)
}
