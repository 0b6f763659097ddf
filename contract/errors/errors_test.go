package errors_test

import (
	"errors"
	"fmt"
	"testing"

	berr "github.com/next-trace/scg-banker/contract/errors"
)

func TestCodeAndVars(t *testing.T) {
	e := berr.Code(berr.ErrCodeUpstream)
	if e.Error() != berr.ErrCodeUpstream {
		t.Fatalf("unexpected error string: %s", e.Error())
	}

	// exported variables must carry their codes
	tests := []struct {
		err  error
		code string
	}{
		{berr.ErrDuplicateBackend, berr.ErrCodeDuplicateBackend},
		{berr.ErrUnknownBackend, berr.ErrCodeUnknownBackend},
		{berr.ErrRouteExists, berr.ErrCodeRouteExists},
		{berr.ErrUpstream, berr.ErrCodeUpstream},
		{berr.ErrShutdown, berr.ErrCodeShutdown},
		{berr.ErrInvalidState, berr.ErrCodeInvalidState},
		{berr.ErrBackendRunning, berr.ErrCodeBackendRunning},
		{berr.ErrBackendClosed, berr.ErrCodeBackendClosed},
		{berr.ErrPublishFailed, berr.ErrCodePublishFailed},
		{berr.ErrSubscribeFailed, berr.ErrCodeSubscribeFailed},
		{berr.ErrSerializationFailed, berr.ErrCodeSerializationFailed},
		{berr.ErrInvalidConfig, berr.ErrCodeInvalidConfig},
		{berr.ErrNoSubscriber, berr.ErrCodeNoSubscriber},
	}

	for _, tc := range tests {
		if !errors.Is(tc.err, berr.Code(tc.code)) {
			t.Fatalf("expected %s to be %s", tc.err, tc.code)
		}
	}
}

func TestCodeSurvivesJoinAndWrap(t *testing.T) {
	err := fmt.Errorf("publish: %w", errors.Join(berr.ErrUpstream, errors.New("broker down")))
	if !errors.Is(err, berr.ErrUpstream) {
		t.Fatalf("want ErrUpstream in chain, got %v", err)
	}

	if errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("unexpected ErrPublishFailed in chain: %v", err)
	}
}
