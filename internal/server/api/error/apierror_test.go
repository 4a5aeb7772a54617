package apierror_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Alia5/usbipd/apitypes"
	apierror "github.com/Alia5/usbipd/internal/server/api/error"
)

func TestWrapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apitypes.ApiError
	}{
		{"value", apierror.ErrNotFound("1-4"), apitypes.ApiError{Status: 404, Title: "Not Found", Detail: "1-4"}},
		{"pointer", &apitypes.ApiError{Status: 401, Title: "Unauthorized"}, apitypes.ApiError{Status: 401, Title: "Unauthorized"}},
		{"wrapped", fmt.Errorf("detach: %w", apierror.ErrConflict("busy")), apitypes.ApiError{Status: 409, Title: "Conflict", Detail: "busy"}},
		{"plain", errors.New("boom"), apitypes.ApiError{Status: 500, Title: "Internal Server Error", Detail: "boom"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apierror.WrapError(tt.err))
		})
	}
}

func TestApiErrorString(t *testing.T) {
	assert.Equal(t, "404 Not Found: 1-4", apierror.ErrNotFound("1-4").Error())
	assert.Equal(t, "unknown error", apitypes.ApiError{}.Error())
	assert.Equal(t, "X: y", apitypes.ApiError{Title: "X", Detail: "y"}.Error())
}
