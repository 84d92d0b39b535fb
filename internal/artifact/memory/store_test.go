package memory

import (
	"context"
	"testing"
)

func TestStoreRecordsObjects(t *testing.T) {
	t.Parallel()

	store := New()
	uri, err := store.PutObject(context.Background(), "captures/job-1/step-0.txt", "text/plain", []byte("hello"))
	if err != nil || uri != "mem://captures/job-1/step-0.txt" {
		t.Fatalf("unexpected put result uri=%s err=%v", uri, err)
	}

	obj, ok := store.Get("captures/job-1/step-0.txt")
	if !ok || string(obj.Data) != "hello" || obj.ContentType != "text/plain" {
		t.Fatalf("unexpected object: %+v ok=%v", obj, ok)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 object, got %d", store.Len())
	}

	if _, err := store.PutObject(context.Background(), "", "text/plain", nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}
