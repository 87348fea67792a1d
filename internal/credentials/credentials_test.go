package credentials

import (
	"context"
	"errors"
	"testing"
)

func TestKeyringStoreSetGetRemove(t *testing.T) {
	kr := NewMockKeyring()
	s := NewKeyringStore(WithKeyring(kr), WithEnvPrefix(""))
	ctx := context.Background()

	if _, found, err := s.Get(ctx, "session"); err != nil || found {
		t.Fatalf("Get on empty store = found %v, err %v", found, err)
	}

	if err := s.Set(ctx, "Session", `{"token":"abc"}`); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, found, err := s.Get(ctx, "session")
	if err != nil || !found || v != `{"token":"abc"}` {
		t.Fatalf("Get = %q, %v, %v", v, found, err)
	}
	if got, _ := kr.Get(DefaultService, "session"); got != `{"token":"abc"}` {
		t.Errorf("keyring holds %q under %s/session", got, DefaultService)
	}

	if err := s.Remove(ctx, "session"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(ctx, "session"); err != nil {
		t.Errorf("Remove is idempotent, got %v", err)
	}
	if _, found, _ := s.Get(ctx, "session"); found {
		t.Error("value still present after Remove")
	}
}

func TestKeyringStoreEnvFallback(t *testing.T) {
	s := NewKeyringStore(WithKeyring(NewMockKeyring()))
	t.Setenv("TASKMARKET_SESSION", "from-env")

	v, source, found, err := s.Lookup(context.Background(), "session")
	if err != nil || !found {
		t.Fatalf("Lookup = found %v, err %v", found, err)
	}
	if v != "from-env" || source != SourceEnvironment {
		t.Errorf("got %q from %s, want from-env from environment", v, source)
	}
}

func TestKeyringTakesPriorityOverEnv(t *testing.T) {
	kr := NewMockKeyring()
	_ = kr.Set(DefaultService, "session", "from-keyring")
	s := NewKeyringStore(WithKeyring(kr))
	t.Setenv("TASKMARKET_SESSION", "from-env")

	v, source, _, _ := s.Lookup(context.Background(), "session")
	if v != "from-keyring" || source != SourceKeyring {
		t.Errorf("got %q from %s, want keyring value", v, source)
	}
}

func TestEnvVarName(t *testing.T) {
	s := NewKeyringStore(WithKeyring(NewMockKeyring()))
	tests := map[string]string{
		"session":      "TASKMARKET_SESSION",
		"api.token":    "TASKMARKET_API_TOKEN",
		" Refresh-Key": "TASKMARKET_REFRESH_KEY",
	}
	for key, want := range tests {
		if got := s.EnvVar(key); got != want {
			t.Errorf("EnvVar(%q) = %q, want %q", key, got, want)
		}
	}
	if got := NewKeyringStore(WithEnvPrefix("")).EnvVar("session"); got != "" {
		t.Errorf("disabled prefix gave %q", got)
	}
}

func TestCancelledContext(t *testing.T) {
	s := NewKeyringStore(WithKeyring(NewMockKeyring()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Set(ctx, "k", "v"); !errors.Is(err, context.Canceled) {
		t.Errorf("Set with cancelled ctx: %v", err)
	}
}

// unavailableKeyring simulates a headless machine without Secret Service.
type unavailableKeyring struct{}

func (unavailableKeyring) Set(string, string, string) error {
	return ErrKeyringNotAvailable
}
func (unavailableKeyring) Get(string, string) (string, error) {
	return "", ErrKeyringNotAvailable
}
func (unavailableKeyring) Delete(string, string) error {
	return ErrKeyringNotAvailable
}

func TestFallbackWhenKeyringUnavailable(t *testing.T) {
	mem := NewMemoryStore()
	s := Fallback(NewKeyringStore(WithKeyring(unavailableKeyring{}), WithEnvPrefix("")), mem)
	ctx := context.Background()

	if err := s.Set(ctx, "session", "tok"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, found, _ := mem.Get(ctx, "session"); !found || v != "tok" {
		t.Errorf("memory store = %q, %v", v, found)
	}
	if v, found, err := s.Get(ctx, "session"); err != nil || !found || v != "tok" {
		t.Errorf("Get = %q, %v, %v", v, found, err)
	}
	if err := s.Remove(ctx, "session"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, found, _ := mem.Get(ctx, "session"); found {
		t.Error("value still in memory store")
	}
}

func TestKeyringErrorsSurfaceOnGet(t *testing.T) {
	s := NewKeyringStore(WithKeyring(unavailableKeyring{}), WithEnvPrefix(""))
	_, found, err := s.Get(context.Background(), "session")
	if found || !errors.Is(err, ErrKeyringNotAvailable) {
		t.Errorf("Get = found %v, err %v; want ErrKeyringNotAvailable", found, err)
	}
}
