package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri       string
		bucket    string
		key       string
		shouldErr bool
	}{
		{"s3://gallery/images/win11.zip", "gallery", "images/win11.zip", false},
		{"s3://gallery/vmgallery.json", "gallery", "vmgallery.json", false},
		{"s3://gallery/", "", "", true},
		{"s3:///key", "", "", true},
		{"https://gallery/key", "", "", true},
	}

	for _, tt := range tests {
		bucket, key, err := ParseURI(tt.uri)
		if tt.shouldErr {
			if err == nil {
				t.Errorf("expected error for %s", tt.uri)
			}
			continue
		}
		if err != nil {
			t.Errorf("unexpected error for %s: %v", tt.uri, err)
			continue
		}
		if bucket != tt.bucket || key != tt.key {
			t.Errorf("%s: got (%s, %s), want (%s, %s)", tt.uri, bucket, key, tt.bucket, tt.key)
		}
	}
}

func fakeS3(t *testing.T, objects map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := objects[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if r.Method == http.MethodHead {
			return
		}
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAndExists(t *testing.T) {
	srv := fakeS3(t, map[string]string{"/gallery/vmgallery.json": `{"images":[]}`})
	ctx := context.Background()

	client, err := NewClient(ctx, Options{Region: "us-east-1", Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	obj, err := client.Open(ctx, "s3://gallery/vmgallery.json")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer obj.Body.Close()

	data, err := io.ReadAll(obj.Body)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != `{"images":[]}` {
		t.Errorf("unexpected body %q", data)
	}
	if obj.Size != int64(len(data)) {
		t.Errorf("size %d, want %d", obj.Size, len(data))
	}

	exists, err := client.Exists(ctx, "s3://gallery/missing.zip")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("expected missing object to not exist")
	}
}
