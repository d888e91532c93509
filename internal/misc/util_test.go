package misc

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsNotFoundError(t *testing.T) {
	assert.False(t, IsNotFoundError(nil))
	assert.True(t, IsNotFoundError(fmt.Errorf("load: %w", os.ErrNotExist)))
	assert.True(t, IsNotFoundError(errors.New("The specified key does not exist.")))
	assert.False(t, IsNotFoundError(errors.New("access denied")))
}
