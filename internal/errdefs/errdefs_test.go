package errdefs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("stop sandbox: %w", fmt.Errorf("%w: tb-server", ErrNotFound))
	if !IsNotFound(err) || IsAlreadyExists(err) {
		t.Fatalf("IsNotFound/IsAlreadyExists misclassify %v", err)
	}
	joined := errors.Join(errors.New("other"), fmt.Errorf("link: %w", ErrAlreadyExists))
	if !IsAlreadyExists(joined) {
		t.Fatalf("IsAlreadyExists(%v) = false", joined)
	}
}
