package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapPreservesCodeThroughFmtWrapping(t *testing.T) {
	base := Wrap(CodeInfrastructure, "provision fork", errors.New("connection refused"))
	wrapped := fmt.Errorf("attempt 2: %w", base)

	if got := CodeOf(wrapped); got != CodeInfrastructure {
		t.Fatalf("expected infrastructure code, got %d", got)
	}
	if !Retryable(wrapped) {
		t.Fatal("expected infrastructure error to be retryable")
	}
	if ExitCode(wrapped) != 20 {
		t.Fatalf("unexpected exit code %d", ExitCode(wrapped))
	}
	if base.Error() != "provision fork: connection refused" {
		t.Fatalf("unexpected message %q", base.Error())
	}
}

func TestCodeOfUntypedAndNil(t *testing.T) {
	if CodeOf(nil) != CodeSuccess {
		t.Fatal("nil error should map to success")
	}
	if CodeOf(errors.New("boom")) != CodeInternal {
		t.Fatal("untyped error should map to internal")
	}
	if Retryable(Newf(CodeDomainInvalid, "percentage %d%% out of range", 150)) {
		t.Fatal("domain-invalid errors must not be retryable")
	}
}
