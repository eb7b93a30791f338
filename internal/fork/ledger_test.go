package fork

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type testRPCDataError struct {
	msg  string
	data any
}

func (e testRPCDataError) Error() string  { return e.msg }
func (e testRPCDataError) ErrorCode() int { return 3 }
func (e testRPCDataError) ErrorData() any { return e.data }

func encodeErrorString(t *testing.T, reason string) []byte {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("new abi type: %v", err)
	}
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	if err != nil {
		t.Fatalf("pack revert reason: %v", err)
	}
	return append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...)
}

func TestAsRevertDecodesErrorData(t *testing.T) {
	raw := encodeErrorString(t, "ERC20: transfer amount exceeds balance")
	err := testRPCDataError{msg: "execution reverted", data: hexutil.Encode(raw)}

	rev := asRevert(err)
	if rev == nil {
		t.Fatal("expected revert error")
	}
	if rev.Reason != "ERC20: transfer amount exceeds balance" {
		t.Fatalf("unexpected reason %q", rev.Reason)
	}
	if rev.Error() != "execution reverted: ERC20: transfer amount exceeds balance" {
		t.Fatalf("unexpected message %q", rev.Error())
	}
}

func TestAsRevertFallsBackToMessage(t *testing.T) {
	rev := asRevert(errors.New("execution reverted: STF"))
	if rev == nil || rev.Reason != "STF" {
		t.Fatalf("unexpected revert %+v", rev)
	}
	gas := asRevert(errors.New("insufficient funds for gas * price + value"))
	if gas == nil || gas.Reason == "" {
		t.Fatalf("expected gas failure to be treated as revert, got %+v", gas)
	}
	if asRevert(errors.New("connection reset by peer")) != nil {
		t.Fatal("network errors are not reverts")
	}
}

func TestRevertFromErrorWrapsNetworkFailures(t *testing.T) {
	err := revertFromError(errors.New("dial tcp: connection refused"))
	var rev *RevertError
	if errors.As(err, &rev) {
		t.Fatal("network failure must not be a revert")
	}
}
