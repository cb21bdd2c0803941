package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestConnectErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("play news: %w", &ConnectError{Code: 5})
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed match, got %v", err)
	}
	if Code(err) != 5 {
		t.Fatalf("expected code 5, got %d", Code(err))
	}
	if Code(errors.New("other")) != -1 {
		t.Fatalf("expected -1 for unrelated error")
	}
}

func TestHelpersWrapSentinels(t *testing.T) {
	if !errors.Is(InvalidConfig("width %d", 0), ErrInvalidConfig) {
		t.Fatal("expected invalid config sentinel")
	}
	if !errors.Is(Decode("missing value"), ErrDecode) {
		t.Fatal("expected decode sentinel")
	}
}
