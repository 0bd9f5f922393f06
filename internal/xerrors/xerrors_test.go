package xerrors

import "testing"

func TestKindOfTagged(t *testing.T) {
	err := New(NotFound, "missing txid")
	if KindOf(err) != NotFound {
		t.Fatalf("expected NotFound, got %s", KindOf(err))
	}
}

func TestKindOfWrappedReportsOuterKind(t *testing.T) {
	err := New(InvalidParams, "bad offset")
	wrapped := Wrap(err, Internal, "scan failed")
	if KindOf(wrapped) != Internal {
		t.Fatalf("expected Internal, got %s", KindOf(wrapped))
	}
}

func TestWithContextMerges(t *testing.T) {
	err := New(Timeout, "deadline exceeded")
	err = WithContext(err, map[string]interface{}{"height": 100})
	e := err.(*Error)
	if e.Context["height"] != 100 {
		t.Fatalf("expected context to carry height, got %v", e.Context)
	}
}
